// Package resources serves cached read-only views of the application's
// lists. Reads go through the bridge at most once per TTL window; mutating
// batches invalidate the affected categories so the next read refetches.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/batch"
	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/script"
)

// Read scripts emit one tab-separated record per line. Free-text fields are
// names only; notes are deliberately excluded so embedded newlines cannot
// break the line protocol.
const (
	areasScript = `set output to ""
tell application "Things3"
	repeat with a in areas
		set output to output & (id of a) & tab & (name of a) & linefeed
	end repeat
end tell
return output
`

	projectsScript = `set output to ""
tell application "Things3"
	repeat with p in projects
		set areaName to ""
		if area of p is not missing value then set areaName to name of area of p
		set output to output & (id of p) & tab & (name of p) & tab & areaName & linefeed
	end repeat
end tell
return output
`

	tagsScript = `set output to ""
tell application "Things3"
	repeat with g in tags
		set parentName to ""
		try
			if parent tag of g is not missing value then set parentName to name of parent tag of g
		end try
		set output to output & (id of g) & tab & (name of g) & tab & parentName & linefeed
	end repeat
end tell
return output
`
)

// taskListScript reads one built-in list view. List names are fixed
// application vocabulary, never caller input.
func taskListScript(listName string) string {
	return fmt.Sprintf(`set output to ""
tell application "Things3"
	repeat with t in to dos of list "%s"
		set dueText to ""
		if due date of t is not missing value then set dueText to due date of t as «class isot» as string
		set output to output & (id of t) & tab & (name of t) & tab & dueText & linefeed
	end repeat
end tell
return output
`, listName)
}

// searchScript reads todos matching a whose-clause, capped at limit
func searchScript(clause string, limit int) string {
	return fmt.Sprintf(`set output to ""
set matched to 0
tell application "Things3"
	repeat with t in (%s)
		if matched is greater than or equal to %d then exit repeat
		set dueText to ""
		if due date of t is not missing value then set dueText to due date of t as «class isot» as string
		set output to output & (id of t) & tab & (name of t) & tab & dueText & linefeed
		set matched to matched + 1
	end repeat
end tell
return output
`, clause, limit)
}

// Area is one top-level organizational area
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project is one project, optionally nested under an area
type Project struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	AreaName string `json:"area_name,omitempty"`
}

// Task is one todo in a built-in list view
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	DueDate string `json:"due_date,omitempty"`
}

// Tag is one tag, optionally nested under a parent tag
type Tag struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ParentName string `json:"parent_name,omitempty"`
}

// defaultSearchLimit caps a search that does not name its own limit
const defaultSearchLimit = 10

// SearchQuery filters a todo search. Query matches against names, date
// bounds take YYYY-MM-DD, and Status is open, completed, or canceled. Area
// takes precedence over Project when both are set, mirroring how the
// application scopes its collections.
type SearchQuery struct {
	Query          string
	Project        string
	Area           string
	Tag            string
	Status         string
	DueStart       string
	DueEnd         string
	ScheduledStart string
	ScheduledEnd   string
	Limit          int
}

// clause renders the query as the collection expression the read script
// iterates. Free-text values pass through the sanitizer so they stay inside
// their string literals.
func (q *SearchQuery) clause() (string, error) {
	base := "to dos"
	if q.Area != "" {
		base = fmt.Sprintf("to dos of area \"%s\"", script.Sanitize(q.Area))
	} else if q.Project != "" {
		base = fmt.Sprintf("to dos of project \"%s\"", script.Sanitize(q.Project))
	}

	var conditions []string
	if q.Query != "" {
		conditions = append(conditions, fmt.Sprintf("name contains \"%s\"", script.Sanitize(q.Query)))
	}
	if q.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("tag names contains \"%s\"", script.Sanitize(q.Tag)))
	}
	if q.Status != "" {
		switch strings.ToLower(q.Status) {
		case "open", "completed", "canceled":
			conditions = append(conditions, "status is "+strings.ToLower(q.Status))
		default:
			return "", errors.NewInputError("status must be open, completed, or canceled", nil)
		}
	}

	for _, bound := range []struct {
		field string
		op    string
		value string
	}{
		{"due date", "greater than or equal to", q.DueStart},
		{"due date", "less than or equal to", q.DueEnd},
		{"activation date", "greater than or equal to", q.ScheduledStart},
		{"activation date", "less than or equal to", q.ScheduledEnd},
	} {
		if bound.value == "" {
			continue
		}
		formatted, err := script.FormatDate(bound.value)
		if err != nil {
			return "", errors.NewInputError(fmt.Sprintf("invalid search date %q", bound.value), nil)
		}
		conditions = append(conditions, fmt.Sprintf("%s is %s (date \"%s\")", bound.field, bound.op, formatted))
	}

	if len(conditions) == 0 {
		return base, nil
	}
	return base + " whose " + strings.Join(conditions, " and "), nil
}

// Service answers list reads from the cache, falling through to the bridge
// on a miss. Reads after expiry or invalidation observe live state.
type Service struct {
	bridge  batch.Bridge
	cache   *cache.TTLCache
	timeout time.Duration
	logger  *zap.Logger
}

// NewService creates a resource read service
func NewService(bridge batch.Bridge, ttlCache *cache.TTLCache, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	if bridge == nil {
		return nil, errors.NewInputError("bridge is required", nil)
	}
	if ttlCache == nil {
		return nil, errors.NewInputError("cache is required", nil)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{bridge: bridge, cache: ttlCache, timeout: timeout, logger: logger}, nil
}

// Areas returns all areas
func (s *Service) Areas(ctx context.Context) ([]Area, error) {
	var areas []Area
	err := s.cached(ctx, cache.CategoryAreas, areasScript, &areas, func(fields []string) {
		areas = append(areas, Area{ID: fields[0], Name: field(fields, 1)})
	})
	return areas, err
}

// Projects returns all projects with their owning area, when any
func (s *Service) Projects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := s.cached(ctx, cache.CategoryProjects, projectsScript, &projects, func(fields []string) {
		projects = append(projects, Project{ID: fields[0], Name: field(fields, 1), AreaName: field(fields, 2)})
	})
	return projects, err
}

// Tags returns all tags with their parent, when any
func (s *Service) Tags(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	err := s.cached(ctx, cache.CategoryTags, tagsScript, &tags, func(fields []string) {
		tags = append(tags, Tag{ID: fields[0], Name: field(fields, 1), ParentName: field(fields, 2)})
	})
	return tags, err
}

// Today returns the todos in the Today list
func (s *Service) Today(ctx context.Context) ([]Task, error) {
	return s.tasks(ctx, cache.CategoryToday, taskListScript("Today"))
}

// Inbox returns the todos in the Inbox list
func (s *Service) Inbox(ctx context.Context) ([]Task, error) {
	return s.tasks(ctx, cache.CategoryInbox, taskListScript("Inbox"))
}

// The remaining built-in list views are served live. Their contents shift
// with the clock, not just with mutations, so no invalidation category maps
// cleanly onto them.

// Anytime returns the todos in the Anytime list
func (s *Service) Anytime(ctx context.Context) ([]Task, error) {
	return s.fetchTasks(ctx, taskListScript("Anytime"))
}

// Someday returns the todos in the Someday list
func (s *Service) Someday(ctx context.Context) ([]Task, error) {
	return s.fetchTasks(ctx, taskListScript("Someday"))
}

// Upcoming returns the todos in the Upcoming list
func (s *Service) Upcoming(ctx context.Context) ([]Task, error) {
	return s.fetchTasks(ctx, taskListScript("Upcoming"))
}

// Logbook returns completed todos from the Logbook
func (s *Service) Logbook(ctx context.Context) ([]Task, error) {
	return s.fetchTasks(ctx, taskListScript("Logbook"))
}

// Search returns todos matching the query, served live and capped at the
// query limit; the filter space is unbounded so results are never cached.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]Task, error) {
	clause, err := q.clause()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return s.fetchTasks(ctx, searchScript(clause, limit))
}

// DueThisWeek returns todos due within the next seven days
func (s *Service) DueThisWeek(ctx context.Context) ([]Task, error) {
	today := time.Now()
	return s.Search(ctx, SearchQuery{
		DueStart: today.Format("2006-01-02"),
		DueEnd:   today.AddDate(0, 0, 7).Format("2006-01-02"),
		Limit:    50,
	})
}

// Overdue returns open todos whose due date has passed
func (s *Service) Overdue(ctx context.Context) ([]Task, error) {
	return s.Search(ctx, SearchQuery{
		Status: "open",
		DueEnd: time.Now().AddDate(0, 0, -1).Format("2006-01-02"),
		Limit:  50,
	})
}

func (s *Service) tasks(ctx context.Context, category, script string) ([]Task, error) {
	var tasks []Task
	err := s.cached(ctx, category, script, &tasks, func(fields []string) {
		tasks = append(tasks, Task{ID: fields[0], Name: field(fields, 1), DueDate: field(fields, 2)})
	})
	return tasks, err
}

// fetchTasks runs a task read script without touching the cache
func (s *Service) fetchTasks(ctx context.Context, script string) ([]Task, error) {
	var tasks []Task
	err := s.fetch(ctx, script, func(fields []string) {
		tasks = append(tasks, Task{ID: fields[0], Name: field(fields, 1), DueDate: field(fields, 2)})
	})
	return tasks, err
}

// cached resolves one category: serve the cached serialized value when
// fresh, otherwise run the read script, parse its records through collect,
// and cache the serialized result.
func (s *Service) cached(ctx context.Context, category, script string, out interface{}, collect func(fields []string)) error {
	if raw, ok := s.cache.Get(category); ok {
		return json.Unmarshal(raw, out)
	}

	if err := s.fetch(ctx, script, collect); err != nil {
		return err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return errors.NewStoreError("failed to encode resource records", err)
	}
	s.cache.Put(category, raw, 0)
	s.logger.Debug("Resource cached", zap.String("category", category))

	return json.Unmarshal(raw, out)
}

// fetch runs one read script and feeds its records through collect
func (s *Service) fetch(ctx context.Context, script string, collect func(fields []string)) error {
	output, err := s.bridge.Run(ctx, script, s.timeout)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if fields[0] == "" {
			continue
		}
		collect(fields)
	}
	return nil
}

// field returns fields[i] or empty when the record is short
func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
