package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"coursecore/api/internal/util"
)

// MemoryStore keeps everything in process. Transactions run one at a time
// against a private copy of the data that replaces the live copy on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	courses  map[string]Course
	sections map[string]Section
	versions map[string][]Version
	seq      map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		courses:  map[string]Course{},
		sections: map[string]Section{},
		versions: map[string][]Version{},
		seq:      map[string]int64{},
	}}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.data.clone()
	if err := fn(context.WithoutCancel(ctx), working); err != nil {
		return err
	}
	s.data = working
	return nil
}

func (s *MemoryStore) run(fn func(d *memData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *MemoryStore) GetCourse(ctx context.Context, id string) (course Course, err error) {
	err = s.run(func(d *memData) error { course, err = d.GetCourse(ctx, id); return err })
	return course, err
}

func (s *MemoryStore) LockCourse(ctx context.Context, id string) (Course, error) {
	return s.GetCourse(ctx, id)
}

func (s *MemoryStore) InsertCourse(ctx context.Context, course Course) error {
	return s.run(func(d *memData) error { return d.InsertCourse(ctx, course) })
}

func (s *MemoryStore) UpdateCourse(ctx context.Context, course Course) error {
	return s.run(func(d *memData) error { return d.UpdateCourse(ctx, course) })
}

func (s *MemoryStore) DeleteCourse(ctx context.Context, id string) error {
	return s.run(func(d *memData) error { return d.DeleteCourse(ctx, id) })
}

func (s *MemoryStore) GetSection(ctx context.Context, id string) (section Section, err error) {
	err = s.run(func(d *memData) error { section, err = d.GetSection(ctx, id); return err })
	return section, err
}

func (s *MemoryStore) LockSection(ctx context.Context, id string) (Section, error) {
	return s.GetSection(ctx, id)
}

func (s *MemoryStore) ListSections(ctx context.Context, filter SectionFilter) (items []Section, err error) {
	err = s.run(func(d *memData) error { items, err = d.ListSections(ctx, filter); return err })
	return items, err
}

func (s *MemoryStore) InsertSection(ctx context.Context, section Section) error {
	return s.run(func(d *memData) error { return d.InsertSection(ctx, section) })
}

func (s *MemoryStore) UpdateSection(ctx context.Context, section Section) error {
	return s.run(func(d *memData) error { return d.UpdateSection(ctx, section) })
}

func (s *MemoryStore) UpdatePlacements(ctx context.Context, placements []Placement) error {
	return s.InTx(ctx, func(ctx context.Context, q Querier) error { return q.UpdatePlacements(ctx, placements) })
}

func (s *MemoryStore) DeleteSections(ctx context.Context, ids []string) error {
	return s.run(func(d *memData) error { return d.DeleteSections(ctx, ids) })
}

func (s *MemoryStore) InsertVersion(ctx context.Context, version Version) (out Version, err error) {
	err = s.run(func(d *memData) error { out, err = d.InsertVersion(ctx, version); return err })
	return out, err
}

func (s *MemoryStore) ListVersions(ctx context.Context, sectionID string) (items []Version, err error) {
	err = s.run(func(d *memData) error { items, err = d.ListVersions(ctx, sectionID); return err })
	return items, err
}

func (s *MemoryStore) DeleteVersionsBefore(ctx context.Context, sectionID string, beforeSeq int64) (n int, err error) {
	err = s.run(func(d *memData) error { n, err = d.DeleteVersionsBefore(ctx, sectionID, beforeSeq); return err })
	return n, err
}

func (d *memData) clone() *memData {
	out := &memData{
		courses:  make(map[string]Course, len(d.courses)),
		sections: make(map[string]Section, len(d.sections)),
		versions: make(map[string][]Version, len(d.versions)),
		seq:      make(map[string]int64, len(d.seq)),
	}
	for id, c := range d.courses {
		out.courses[id] = cloneCourse(c)
	}
	for id, s := range d.sections {
		out.sections[id] = s
	}
	for id, v := range d.versions {
		out.versions[id] = slices.Clone(v)
	}
	for id, n := range d.seq {
		out.seq[id] = n
	}
	return out
}

func cloneCourse(c Course) Course {
	c.SectionIDs = slices.Clone(c.SectionIDs)
	if c.Content != nil {
		content := *c.Content
		c.Content = &content
	}
	return c
}

func cloneSection(s Section) Section {
	s.Content = s.Content.Clone()
	if s.ParentID != nil {
		parent := *s.ParentID
		s.ParentID = &parent
	}
	return s
}

func (d *memData) GetCourse(_ context.Context, id string) (Course, error) {
	course, ok := d.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	return cloneCourse(course), nil
}

func (d *memData) LockCourse(ctx context.Context, id string) (Course, error) {
	return d.GetCourse(ctx, id)
}

func (d *memData) InsertCourse(_ context.Context, course Course) error {
	if _, exists := d.courses[course.ID]; exists {
		return fmt.Errorf("insert course %s: %w", course.ID, ErrDuplicate)
	}
	d.courses[course.ID] = cloneCourse(course)
	return nil
}

func (d *memData) UpdateCourse(_ context.Context, course Course) error {
	if _, ok := d.courses[course.ID]; !ok {
		return fmt.Errorf("course %s: %w", course.ID, ErrNotFound)
	}
	d.courses[course.ID] = cloneCourse(course)
	return nil
}

func (d *memData) DeleteCourse(ctx context.Context, id string) error {
	if _, ok := d.courses[id]; !ok {
		return fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	var ids []string
	for sid, s := range d.sections {
		if s.CourseID == id {
			ids = append(ids, sid)
		}
	}
	delete(d.courses, id)
	for cid, c := range d.courses {
		if c.ForkedFrom != nil && *c.ForkedFrom == id {
			c.ForkedFrom = nil
			d.courses[cid] = c
		}
	}
	return d.DeleteSections(ctx, ids)
}

func (d *memData) GetSection(_ context.Context, id string) (Section, error) {
	section, ok := d.sections[id]
	if !ok {
		return Section{}, fmt.Errorf("section %s: %w", id, ErrNotFound)
	}
	return cloneSection(section), nil
}

func (d *memData) LockSection(ctx context.Context, id string) (Section, error) {
	return d.GetSection(ctx, id)
}

func (d *memData) ListSections(_ context.Context, filter SectionFilter) ([]Section, error) {
	items := make([]Section, 0)
	for _, s := range d.sections {
		if filter.Match(s) {
			items = append(items, cloneSection(s))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		pi, pj := items[i].ParentID, items[j].ParentID
		if !SameParent(pi, pj) {
			if pi == nil || pj == nil {
				return pi == nil
			}
			return *pi < *pj
		}
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (d *memData) InsertSection(_ context.Context, section Section) error {
	if _, exists := d.sections[section.ID]; exists {
		return fmt.Errorf("insert section %s: %w", section.ID, ErrDuplicate)
	}
	if _, ok := d.courses[section.CourseID]; !ok {
		return fmt.Errorf("insert section: course %s: %w", section.CourseID, ErrNotFound)
	}
	if section.ParentID != nil {
		if _, ok := d.sections[*section.ParentID]; !ok {
			return fmt.Errorf("insert section: parent %s: %w", *section.ParentID, ErrNotFound)
		}
	}
	d.sections[section.ID] = cloneSection(section)
	return nil
}

func (d *memData) UpdateSection(_ context.Context, section Section) error {
	if _, ok := d.sections[section.ID]; !ok {
		return fmt.Errorf("section %s: %w", section.ID, ErrNotFound)
	}
	d.sections[section.ID] = cloneSection(section)
	return nil
}

func (d *memData) UpdatePlacements(_ context.Context, placements []Placement) error {
	now := time.Now().UTC()
	for _, p := range placements {
		section, ok := d.sections[p.ID]
		if !ok {
			return fmt.Errorf("section %s: %w", p.ID, ErrNotFound)
		}
		section.ParentID = p.ParentID
		section.Order = p.Order
		section.Level = p.Level
		section.UpdatedAt = now
		d.sections[p.ID] = cloneSection(section)
	}
	return nil
}

// DeleteSections removes the sections, their descendants and their versions,
// mirroring the ON DELETE CASCADE of the SQL schema.
func (d *memData) DeleteSections(_ context.Context, ids []string) error {
	doomed := map[string]bool{}
	for _, id := range ids {
		doomed[id] = true
	}
	for changed := true; changed; {
		changed = false
		for id, s := range d.sections {
			if !doomed[id] && s.ParentID != nil && doomed[*s.ParentID] {
				doomed[id] = true
				changed = true
			}
		}
	}
	for id := range doomed {
		delete(d.sections, id)
		delete(d.versions, id)
		delete(d.seq, id)
	}
	return nil
}

func (d *memData) InsertVersion(_ context.Context, version Version) (Version, error) {
	if _, ok := d.sections[version.SectionID]; !ok {
		return Version{}, fmt.Errorf("insert version: section %s: %w", version.SectionID, ErrNotFound)
	}
	if version.ID == "" {
		version.ID = util.NewID("ver")
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	d.seq[version.SectionID]++
	version.Seq = d.seq[version.SectionID]
	version.Content = version.Content.Clone()
	d.versions[version.SectionID] = append(slices.Clone(d.versions[version.SectionID]), version)
	return version, nil
}

func (d *memData) ListVersions(_ context.Context, sectionID string) ([]Version, error) {
	items := make([]Version, 0, len(d.versions[sectionID]))
	for _, v := range d.versions[sectionID] {
		v.Content = v.Content.Clone()
		items = append(items, v)
	}
	return items, nil
}

func (d *memData) DeleteVersionsBefore(_ context.Context, sectionID string, beforeSeq int64) (int, error) {
	var kept []Version
	pruned := 0
	for _, v := range d.versions[sectionID] {
		if v.Seq < beforeSeq {
			pruned++
			continue
		}
		kept = append(kept, v)
	}
	d.versions[sectionID] = kept
	return pruned, nil
}
