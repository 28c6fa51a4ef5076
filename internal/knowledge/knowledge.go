// Package knowledge retrieves coaching reference text from a local directory of
// .txt and .md files by keyword overlap with the user's utterance.
package knowledge

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultMaxContextChars bounds the retrieved context when no limit is configured.
const DefaultMaxContextChars = 1400

var keywordPattern = regexp.MustCompile(`[a-zA-Z]{4,}`)

type document struct {
	name  string
	lower string
	text  string
}

// Retriever scores cached documents against a query. The cache is rebuilt lazily
// after Watch observes a change in the directory tree.
type Retriever struct {
	dir      string
	maxChars int

	mu     sync.RWMutex
	docs   []document
	loaded bool

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRetriever creates a retriever over dir. A non-positive maxChars uses DefaultMaxContextChars.
func NewRetriever(dir string, maxChars int) *Retriever {
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}
	return &Retriever{dir: dir, maxChars: maxChars}
}

// Retrieve returns "Source: <name>\n<snippet>" blocks for every document containing at
// least one query keyword, highest score first, bounded by the character limit.
// A missing directory or unreadable files yield an empty result.
func (r *Retriever) Retrieve(query string) string {
	keywords := keywordPattern.FindAllString(strings.ToLower(query), -1)
	if len(keywords) == 0 {
		return ""
	}
	docs := r.documents()

	type hit struct {
		doc   document
		score int
	}
	var hits []hit
	for _, d := range docs {
		score := 0
		for _, k := range keywords {
			if strings.Contains(d.lower, k) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{doc: d, score: score})
		}
	}
	if len(hits) == 0 {
		return ""
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	chunks := make([]string, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, "Source: "+h.doc.name+"\n"+truncate(h.doc.text, r.maxChars))
	}
	return truncate(strings.Join(chunks, "\n\n"), r.maxChars)
}

func (r *Retriever) documents() []document {
	r.mu.RLock()
	if r.loaded {
		docs := r.docs
		r.mu.RUnlock()
		return docs
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		r.docs = r.load()
		r.loaded = true
	}
	return r.docs
}

func (r *Retriever) load() []document {
	var docs []document
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isKnowledgeFile(d.Name()) {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("Retriever.load: skipping unreadable file", "path", path, "error", readErr)
			return nil
		}
		text := strings.ToValidUTF8(string(data), "")
		docs = append(docs, document{name: d.Name(), lower: strings.ToLower(text), text: text})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Retriever.load: failed to scan knowledge dir", "dir", r.dir, "error", err)
	}
	slog.Debug("Retriever.load: loaded knowledge documents", "dir", r.dir, "count", len(docs))
	return docs
}

// Invalidate drops the cached documents so the next Retrieve rescans the directory.
func (r *Retriever) Invalidate() {
	r.mu.Lock()
	r.docs = nil
	r.loaded = false
	r.mu.Unlock()
}

// Watch starts invalidating the cache on filesystem changes until ctx is done or Close is called.
func (r *Retriever) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addTree(watcher, r.dir); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher
	r.done = make(chan struct{})
	go r.run(ctx, watcher, r.done)
	slog.Info("Retriever.Watch: watching knowledge dir", "dir", r.dir)
	return nil
}

func (r *Retriever) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						slog.Warn("Retriever.run: failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			slog.Debug("Retriever.run: knowledge changed", "path", event.Name, "op", event.Op.String())
			r.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Retriever.run: watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (r *Retriever) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	r.watcher = nil
	return err
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func isKnowledgeFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".txt" || ext == ".md"
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
