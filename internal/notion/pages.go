package notion

import (
	"context"
	"net/url"
	"strings"
	"time"

	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

// Notion caps a single rich text object at 2000 characters.
const maxRichTextLen = 2000

// Properties maps course fields onto database property names.
type Properties struct {
	Title    string `yaml:"title"`
	Date     string `yaml:"date"`
	Category string `yaml:"category"`
	// CategoryType is "multi_select" (default) or "select".
	CategoryType string `yaml:"category_type"`
	Tutors       string `yaml:"tutors"`
	Groups       string `yaml:"groups"`
	Rooms        string `yaml:"rooms"`
	Notes        string `yaml:"notes"`
}

// DefaultProperties is the French course database layout: Type, Prof,
// Groupes, Salle and Description.
func DefaultProperties() Properties {
	return Properties{
		Title:        "title",
		Date:         "Date",
		Category:     "Type",
		CategoryType: "multi_select",
		Tutors:       "Prof",
		Groups:       "Groupes",
		Rooms:        "Salle",
		Notes:        "Description",
	}
}

func (p Properties) withDefaults() Properties {
	d := DefaultProperties()
	if p.Title == "" {
		p.Title = d.Title
	}
	if p.Date == "" {
		p.Date = d.Date
	}
	if p.Category == "" {
		p.Category = d.Category
	}
	if p.CategoryType != "select" {
		p.CategoryType = d.CategoryType
	}
	if p.Tutors == "" {
		p.Tutors = d.Tutors
	}
	if p.Groups == "" {
		p.Groups = d.Groups
	}
	if p.Rooms == "" {
		p.Rooms = d.Rooms
	}
	if p.Notes == "" {
		p.Notes = d.Notes
	}
	return p
}

type richText struct {
	Type      string    `json:"type,omitempty"`
	Text      *textBody `json:"text,omitempty"`
	PlainText string    `json:"plain_text,omitempty"`
}

type textBody struct {
	Content string `json:"content"`
}

type selectOption struct {
	Name string `json:"name"`
}

type dateValue struct {
	Start    string  `json:"start"`
	End      *string `json:"end"`
	TimeZone *string `json:"time_zone"`
}

// property is the subset of a Notion property value the sync reads or
// writes. Every field is optional.
type property struct {
	Type        string         `json:"type,omitempty"`
	Title       []richText     `json:"title,omitempty"`
	RichText    []richText     `json:"rich_text,omitempty"`
	Date        *dateValue     `json:"date,omitempty"`
	MultiSelect []selectOption `json:"multi_select,omitempty"`
	Select      *selectOption  `json:"select,omitempty"`
}

type page struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Archived   bool                `json:"archived"`
	Properties map[string]property `json:"properties"`
}

type parent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id"`
}

type pageWrite struct {
	Parent     *parent             `json:"parent,omitempty"`
	Properties map[string]property `json:"properties"`
}

type queryRequest struct {
	StartCursor string `json:"start_cursor,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

type queryResponse struct {
	Results    []page  `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

// QueryAll pages through the whole database and returns one record per
// non-archived page.
func (c *Client) QueryAll(ctx context.Context) ([]model.StoredRecord, error) {
	path := "/databases/" + url.PathEscape(c.cfg.DatabaseID) + "/query"
	records := make([]model.StoredRecord, 0)

	req := queryRequest{PageSize: 100}
	for {
		var resp queryResponse
		if err := c.do(ctx, "POST", path, req, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Results {
			if p.Archived {
				continue
			}
			records = append(records, c.toRecord(p))
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		req.StartCursor = *resp.NextCursor
	}

	appLog.Debug("notion database queried", "records", len(records))
	return records, nil
}

// Create adds a page for d to the database.
func (c *Client) Create(ctx context.Context, d model.Descriptor) (model.StoredRecord, error) {
	props := c.properties(d)
	props[c.cfg.Properties.Title] = property{Title: textChunks(d.CourseKey)}

	body := pageWrite{
		Parent:     &parent{Type: "database_id", DatabaseID: c.cfg.DatabaseID},
		Properties: props,
	}
	var p page
	if err := c.do(ctx, "POST", "/pages", body, &p); err != nil {
		return model.StoredRecord{}, err
	}
	appLog.Info("notion page created", "course", d.CourseKey, "id", p.ID)
	return c.toRecord(p), nil
}

// Update overwrites the course properties of page id. The title is kept.
func (c *Client) Update(ctx context.Context, id string, d model.Descriptor) (model.StoredRecord, error) {
	var p page
	if err := c.do(ctx, "PATCH", "/pages/"+url.PathEscape(id), pageWrite{Properties: c.properties(d)}, &p); err != nil {
		return model.StoredRecord{}, err
	}
	appLog.Info("notion page updated", "course", d.CourseKey, "id", p.ID)
	return c.toRecord(p), nil
}

func (c *Client) properties(d model.Descriptor) map[string]property {
	names := c.cfg.Properties
	end := c.formatTime(d.End)

	props := map[string]property{
		names.Date: {
			Date: &dateValue{Start: c.formatTime(d.Start), End: &end},
		},
		names.Tutors: {MultiSelect: options(d.Tutors)},
		names.Groups: {MultiSelect: options(d.Groups)},
		names.Rooms:  {MultiSelect: options(d.Rooms)},
		names.Notes:  {RichText: textChunks(d.Notes)},
	}
	if names.CategoryType == "select" {
		if cats := optionValues(d.Categories); len(cats) > 0 {
			props[names.Category] = property{Select: &selectOption{Name: cats[0]}}
		}
	} else {
		props[names.Category] = property{MultiSelect: options(d.Categories)}
	}
	return props
}

// formatTime writes a date-time with offset and no time_zone, which is how
// Notion stores a plain date range.
func (c *Client) formatTime(t time.Time) string {
	return t.In(c.cfg.Location).Format(time.RFC3339)
}

// toRecord maps a page onto a StoredRecord. Missing or mistyped properties
// are left absent.
func (c *Client) toRecord(p page) model.StoredRecord {
	names := c.cfg.Properties
	rec := model.StoredRecord{ID: p.ID, Ref: p.URL}

	for _, prop := range p.Properties {
		if prop.Type == "title" {
			rec.Title = plainText(prop.Title)
			break
		}
	}

	if prop, ok := p.Properties[names.Date]; ok && prop.Date != nil {
		rec.Start = c.parseTime(prop.Date.Start)
		if prop.Date.End != nil {
			rec.End = c.parseTime(*prop.Date.End)
		}
	}
	if prop, ok := p.Properties[names.Category]; ok {
		switch {
		case prop.Select != nil:
			rec.Categories = []string{prop.Select.Name}
		case prop.MultiSelect != nil:
			rec.Categories = optionNames(prop.MultiSelect)
		}
	}
	if prop, ok := p.Properties[names.Tutors]; ok && prop.MultiSelect != nil {
		rec.Tutors = optionNames(prop.MultiSelect)
	}
	if prop, ok := p.Properties[names.Groups]; ok && prop.MultiSelect != nil {
		rec.Groups = optionNames(prop.MultiSelect)
	}
	if prop, ok := p.Properties[names.Rooms]; ok && prop.MultiSelect != nil {
		rec.Rooms = optionNames(prop.MultiSelect)
	}
	if prop, ok := p.Properties[names.Notes]; ok && prop.Type == "rich_text" {
		notes := plainText(prop.RichText)
		rec.Notes = &notes
	}
	return rec
}

func (c *Client) parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.000", v, c.cfg.Location); err == nil {
		return &t
	}
	if t, err := time.ParseInLocation("2006-01-02", v, c.cfg.Location); err == nil {
		return &t
	}
	return nil
}

// Normalize rewrites the descriptor's sets the way Create and Update store
// them, so a page read back compares equal to what was written.
func (c *Client) Normalize(d model.Descriptor) model.Descriptor {
	d.Categories = optionValues(d.Categories)
	d.Tutors = optionValues(d.Tutors)
	d.Groups = optionValues(d.Groups)
	d.Rooms = optionValues(d.Rooms)
	if c.cfg.Properties.CategoryType == "select" && len(d.Categories) > 1 {
		d.Categories = d.Categories[:1]
	}
	return d
}

// optionValues maps values onto valid option names: commas are rejected by
// Notion, empty names are dropped and duplicates collapse.
func optionValues(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.Join(strings.Fields(strings.ReplaceAll(v, ",", " ")), " ")
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func options(values []string) []selectOption {
	names := optionValues(values)
	out := make([]selectOption, 0, len(names))
	for _, v := range names {
		out = append(out, selectOption{Name: v})
	}
	return out
}

func optionNames(opts []selectOption) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, o.Name)
	}
	return out
}

// textChunks splits s into rich text objects under the Notion length cap.
func textChunks(s string) []richText {
	runes := []rune(s)
	out := make([]richText, 0, len(runes)/maxRichTextLen+1)
	for len(runes) > maxRichTextLen {
		out = append(out, richText{Type: "text", Text: &textBody{Content: string(runes[:maxRichTextLen])}})
		runes = runes[maxRichTextLen:]
	}
	return append(out, richText{Type: "text", Text: &textBody{Content: string(runes)}})
}

func plainText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		switch {
		case p.PlainText != "":
			b.WriteString(p.PlainText)
		case p.Text != nil:
			b.WriteString(p.Text.Content)
		}
	}
	return b.String()
}
