package medallion

import (
	"path"
	"strings"
)

// Event is the payload of a Cloud Storage object finalize notification.
// Size arrives as a decimal string.
type Event struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        string `json:"size,omitempty"`
	Generation  string `json:"generation,omitempty"`
}

// URI is the gs:// location of the object.
func (e *Event) URI() string {
	return "gs://" + e.Bucket + "/" + e.Name
}

// Parquet reports whether the object looks like a silver output file.
func (e *Event) Parquet() bool {
	return strings.EqualFold(path.Ext(e.Name), ".parquet")
}
