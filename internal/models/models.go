package models

import (
	"bytes"
	"encoding/json"
)

const (
	FieldJobID   = "job_id"
	FieldTitle   = "Job title"
	FieldSummary = "Summary"
)

// SeenRecord is one ledger line. It is written once per identity and never rewritten.
type SeenRecord struct {
	JobID       string `json:"job_id"`
	URL         string `json:"url"`
	FirstSeenAt string `json:"first_seen_at"`
}

// URLRecord is one line of the new-URLs log handed to the sink with each run.
type URLRecord struct {
	JobID       string `json:"job_id"`
	URL         string `json:"url"`
	Source      string `json:"source"`
	FirstSeenAt string `json:"first_seen_at"`
}

// Reference is a listing locator collected from a search page together with
// the identity derived from it.
type Reference struct {
	JobID string
	URL   string
}

type Field struct {
	Key   string
	Value string
}

// Fields is an insertion-ordered string map. Setting an existing key replaces
// its value in place.
type Fields []Field

func (f *Fields) Set(key, value string) {
	for i := range *f {
		if (*f)[i].Key == key {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, Field{Key: key, Value: value})
}

func (f Fields) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, field.Key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONString(&buf, field.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode terminates with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// JobRecord is one output line: the identity first, then whatever the detail
// page yielded.
type JobRecord struct {
	Fields Fields
}

func NewJobRecord(jobID string) JobRecord {
	rec := JobRecord{}
	rec.Fields.Set(FieldJobID, jobID)
	return rec
}

func (r JobRecord) JobID() string {
	id, _ := r.Fields.Get(FieldJobID)
	return id
}

func (r JobRecord) MarshalJSON() ([]byte, error) {
	return r.Fields.MarshalJSON()
}
