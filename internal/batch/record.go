package batch

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Chitransh6827/INSTA-CRAWLER/internal/crawler"
)

const listSeparator = "; "

var csvHeader = []string{
	"url", "username", "emails", "phones", "hashtags", "mentions",
	"caption", "comments_found", "timestamp", "batch_id",
}

// record is the flat on-disk shape of one extracted item.
type record struct {
	URL       string              `json:"url"`
	Username  string              `json:"username"`
	Emails    []string            `json:"emails"`
	Phones    []string            `json:"phones"`
	Hashtags  []string            `json:"hashtags"`
	Mentions  []string            `json:"mentions"`
	Caption   string              `json:"caption"`
	Comments  int                 `json:"comments_found"`
	Timestamp string              `json:"timestamp"`
	BatchID   string              `json:"batch_id"`
	Extra     map[string][]string `json:"extra,omitempty"`
}

func toRecord(item crawler.ExtractedItem) record {
	rec := record{
		URL:       item.URL,
		Username:  item.Owner,
		Emails:    nonNil(item.Fields[crawler.FieldEmails]),
		Phones:    nonNil(item.Fields[crawler.FieldPhones]),
		Hashtags:  nonNil(item.Fields[crawler.FieldHashtags]),
		Mentions:  nonNil(item.Fields[crawler.FieldMentions]),
		Caption:   item.Fields.First(crawler.FieldCaption),
		Comments:  item.Inspected,
		Timestamp: item.CreatedAt.UTC().Format(time.RFC3339),
		BatchID:   item.BatchID,
	}
	for name, vals := range item.Fields {
		switch name {
		case crawler.FieldEmails, crawler.FieldPhones, crawler.FieldHashtags,
			crawler.FieldMentions, crawler.FieldCaption:
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string][]string)
		}
		rec.Extra[name] = slices.Clone(vals)
	}
	return rec
}

func (r record) row() []string {
	return []string{
		r.URL,
		r.Username,
		strings.Join(r.Emails, listSeparator),
		strings.Join(r.Phones, listSeparator),
		strings.Join(r.Hashtags, listSeparator),
		strings.Join(r.Mentions, listSeparator),
		r.Caption,
		strconv.Itoa(r.Comments),
		r.Timestamp,
		r.BatchID,
	}
}

func encodeJSON(records []record) ([]byte, error) {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode batch json: %w", err)
	}
	return raw, nil
}

// encodeCSV writes the fixed columns followed by any extra field names, sorted.
func encodeCSV(records []record) ([]byte, error) {
	extraSet := map[string]struct{}{}
	for _, r := range records {
		for k := range r.Extra {
			extraSet[k] = struct{}{}
		}
	}
	extras := slices.Sorted(maps.Keys(extraSet))

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append(slices.Clone(csvHeader), extras...)); err != nil {
		return nil, fmt.Errorf("encode batch csv header: %w", err)
	}
	for _, r := range records {
		row := r.row()
		for _, k := range extras {
			row = append(row, strings.Join(r.Extra[k], listSeparator))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode batch csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode batch csv: %w", err)
	}
	return buf.Bytes(), nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return slices.Clone(v)
}
