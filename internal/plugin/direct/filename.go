package direct

import (
	"bytes"
	"cmp"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

const defaultFilenameTemplate = "{{.Host}}/{{.Name}}"

// FilenameData is the value filename templates are executed against.
type FilenameData struct {
	URI    string
	Host   string
	Path   string
	Name   string
	Stem   string
	Ext    string
	ItemID string
	Date   string
}

func newFilenameData(uri, itemID string, now time.Time) FilenameData {
	d := FilenameData{URI: uri, ItemID: itemID, Date: now.Format("2006-01-02")}
	if u, err := url.Parse(uri); err == nil {
		d.Host = u.Hostname()
		d.Path = strings.TrimPrefix(u.Path, "/")
		d.Name = path.Base(u.Path)
		if d.Host == "" {
			d.Host = u.Scheme
		}
	}
	if isData(uri) {
		d.Name = cmp.Or(itemID, "inline")
	}
	if d.Name == "" || d.Name == "/" || d.Name == "." {
		d.Name = "index"
	}
	d.Ext = path.Ext(d.Name)
	d.Stem = strings.TrimSuffix(d.Name, d.Ext)
	return d
}

// renderFilename executes tmpl and returns a cleaned path below dir. Paths
// escaping dir are rejected.
func renderFilename(dir, tmpl string, data FilenameData) (string, error) {
	if tmpl == "" {
		tmpl = defaultFilenameTemplate
	}
	t, err := template.New("filename").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse filename template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render filename template: %w", err)
	}
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(buf.String())))
	if rel == "." || rel == "" {
		return "", fmt.Errorf("filename template %q rendered an empty path", tmpl)
	}
	if filepath.IsAbs(rel) {
		return rel, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("filename %q escapes the output directory", rel)
	}
	return filepath.Join(dir, rel), nil
}
