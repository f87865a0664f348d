package cache

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/sonic/configstore"
	"github.com/always-cache/sonic/diff"
	fileutil "github.com/always-cache/sonic/pkg/file-util"
	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// Files of one session directory.
const (
	templateFile = "template.html"
	dataFile     = "data.json"
	headerFile   = "header.yaml"
)

// persist publishes the item's files and config row. The files are written
// to a staging directory which replaces the session directory by rename, and
// the config row is committed last. Caller holds the session lock.
func (s *Store) persist(item *Item) error {
	id := item.SessionID
	stage := filepath.Join(s.stagingDir, id+"-"+uuid.NewString())
	if err := fileutil.EnsureDir(stage); err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	data, err := item.Data.MarshalJSON()
	if err != nil {
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "encode data", id, err)
	}
	header, err := yaml.Marshal(map[string][]string(item.Header))
	if err != nil {
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "encode header", id, err)
	}
	files := map[string][]byte{
		templateFile: item.Template,
		dataFile:     data,
		headerFile:   header,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(stage, name), content, 0o644); err != nil {
			return sonicerr.Wrap(sonicerr.WriteFileFailed, "write "+name, id, err)
		}
	}

	final := s.dir(id)
	old := ""
	if fileutil.Exists(final) {
		old = stage + ".old"
		if err := os.Rename(final, old); err != nil {
			return sonicerr.Wrap(sonicerr.WriteFileFailed, "retire", id, err)
		}
		defer os.RemoveAll(old)
	}
	if err := os.Rename(stage, final); err != nil {
		if old != "" {
			os.Rename(old, final)
		}
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "publish", id, err)
	}
	if err := s.config.Put(configstore.Sessions, id, item.entry()); err != nil {
		os.RemoveAll(final)
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "commit config", id, err)
	}
	return nil
}

// hydrate reads an item from disk. A session without config row or
// template file is a miss.
func (s *Store) hydrate(id string) (*Item, error) {
	entry, err := s.config.Get(configstore.Sessions, id)
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.IOFailure, "read config", id, err)
	}
	if entry.Empty() {
		return nil, nil
	}
	dir := s.dir(id)
	template, err := fileutil.ReadFile(filepath.Join(dir, templateFile))
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.IOFailure, "read template", id, err)
	}
	if template == nil {
		// config row without files; drop it quietly
		s.config.Delete(configstore.Sessions, id)
		return nil, nil
	}
	rawData, err := fileutil.ReadFile(filepath.Join(dir, dataFile))
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.IOFailure, "read data", id, err)
	}
	data := diff.NewMap()
	if err := data.UnmarshalJSON(rawData); err != nil {
		return nil, sonicerr.Wrap(sonicerr.BuildHtmlFailed, "decode data", id, err)
	}
	item := &Item{
		SessionID: id,
		Template:  template,
		Data:      data,
		Header:    http.Header{},
	}
	item.applyEntry(entry)
	if h, err := readHeader(filepath.Join(dir, headerFile)); err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("Ignoring unreadable response headers")
	} else if h != nil {
		item.Header = h
	}
	html, err := diff.Render(template, data)
	if err != nil {
		return nil, withID(err, id)
	}
	if hash := hashutil.ContentHash(html); hash != item.ContentHash {
		return nil, sonicerr.Wrap(sonicerr.HtmlVerifyFailed, "verify", id,
			fmt.Errorf("stored html-sha1 %s, rendered %s", item.ContentHash, hash))
	}
	item.HTML = html
	return item, nil
}

// readHeader loads a stored header file. A missing file yields nil.
func readHeader(path string) (http.Header, error) {
	raw, err := fileutil.ReadFile(path)
	if err != nil || raw == nil {
		return nil, err
	}
	var h map[string][]string
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return http.Header(h), nil
}
