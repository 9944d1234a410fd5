// Package promptreg is a file-backed store of versioned prompt templates.
//
// Layout under the registry root:
//
//	versions/<type>_<version>.txt   prompt body
//	versions/<type>_<version>.json  metadata
//	active/<type>                   shadow copy of the active body
//	registry.json                   active version per type
//
// Activation rewrites the shadow file via rename so readers never observe a
// half-swap. Readers copy on read and never hold a handle across versions.
package promptreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a prompt type or version does not exist.
var ErrNotFound = errors.New("prompt version not found")

// Metadata carries the descriptive fields stored next to a prompt body.
type Metadata struct {
	// TokenEstimate is the approximate prompt size in tokens. When zero,
	// Register fills it with len(content)/4.
	TokenEstimate int `json:"token_estimate"`

	// ParentVersion names the version this one was derived from. May be empty.
	ParentVersion string `json:"parent_version,omitempty"`

	// Description is a free-form note about the change.
	Description string `json:"description,omitempty"`

	// CreatedAt is stamped by Register when zero.
	CreatedAt time.Time `json:"created_at"`
}

// Version is one stored prompt version with its metadata.
type Version struct {
	// ID is "<type>_<version>".
	ID       string
	Type     string
	Version  string
	Content  string
	IsActive bool
	Metadata Metadata
}

// Delta is the result of comparing two versions of the same type.
type Delta struct {
	// LenDelta is len(v2) - len(v1) in bytes.
	LenDelta int

	// TokenDelta is the token estimate difference, v2 - v1.
	TokenDelta int
}

// index is the persisted registry.json document.
type index struct {
	Active map[string]string `json:"active"`
}

// Registry is the file-backed prompt store. Safe for concurrent use; writes
// to the same prompt type are serialised by a per-type lock.
type Registry struct {
	dir string

	mu        sync.Mutex
	typeLocks map[string]*sync.Mutex
	idx       index
}

// Open loads (or initialises) a registry rooted at dir.
func Open(dir string) (*Registry, error) {
	for _, sub := range []string{dir, filepath.Join(dir, "versions"), filepath.Join(dir, "active")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("promptreg: create %q: %w", sub, err)
		}
	}

	r := &Registry{
		dir:       dir,
		typeLocks: make(map[string]*sync.Mutex),
		idx:       index{Active: make(map[string]string)},
	}

	raw, err := os.ReadFile(filepath.Join(dir, "registry.json"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh registry.
	case err != nil:
		return nil, fmt.Errorf("promptreg: read registry.json: %w", err)
	default:
		if err := json.Unmarshal(raw, &r.idx); err != nil {
			return nil, fmt.Errorf("promptreg: parse registry.json: %w", err)
		}
		if r.idx.Active == nil {
			r.idx.Active = make(map[string]string)
		}
	}
	return r, nil
}

// lockType returns the mutex serialising writes for one prompt type.
func (r *Registry) lockType(typ string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.typeLocks[typ]
	if !ok {
		l = &sync.Mutex{}
		r.typeLocks[typ] = l
	}
	return l
}

// checkName rejects type/version strings that would escape the layout.
func checkName(s string) error {
	if s == "" {
		return fmt.Errorf("promptreg: empty name")
	}
	if strings.ContainsAny(s, "/\\") || strings.Contains(s, "..") {
		return fmt.Errorf("promptreg: invalid name %q", s)
	}
	return nil
}

func (r *Registry) bodyPath(typ, version string) string {
	return filepath.Join(r.dir, "versions", typ+"_"+version+".txt")
}

func (r *Registry) metaPath(typ, version string) string {
	return filepath.Join(r.dir, "versions", typ+"_"+version+".json")
}

func (r *Registry) shadowPath(typ string) string {
	return filepath.Join(r.dir, "active", typ)
}

// Register stores a new prompt version and returns its ID. Registering does
// not change the active version; call [Registry.Activate] for that.
func (r *Registry) Register(typ, version, content string, meta Metadata) (string, error) {
	if err := checkName(typ); err != nil {
		return "", err
	}
	if err := checkName(version); err != nil {
		return "", err
	}
	if meta.TokenEstimate == 0 {
		meta.TokenEstimate = len(content) / 4
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	l := r.lockType(typ)
	l.Lock()
	defer l.Unlock()

	if err := writeAtomic(r.bodyPath(typ, version), []byte(content)); err != nil {
		return "", fmt.Errorf("promptreg: write body: %w", err)
	}
	rawMeta, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("promptreg: marshal metadata: %w", err)
	}
	if err := writeAtomic(r.metaPath(typ, version), rawMeta); err != nil {
		return "", fmt.Errorf("promptreg: write metadata: %w", err)
	}
	return typ + "_" + version, nil
}

// Active returns the active prompt body for a type. The boolean is false when
// no version is active.
func (r *Registry) Active(typ string) (string, bool, error) {
	if err := checkName(typ); err != nil {
		return "", false, err
	}
	raw, err := os.ReadFile(r.shadowPath(typ))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("promptreg: read active %q: %w", typ, err)
	}
	return string(raw), true, nil
}

// ActiveVersion returns the active version label for a type, if any.
func (r *Registry) ActiveVersion(typ string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.idx.Active[typ]
	return v, ok
}

// Get returns a stored version with its metadata.
func (r *Registry) Get(typ, version string) (*Version, error) {
	if err := checkName(typ); err != nil {
		return nil, err
	}
	if err := checkName(version); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(r.bodyPath(typ, version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s_%s", ErrNotFound, typ, version)
	}
	if err != nil {
		return nil, fmt.Errorf("promptreg: read %s_%s: %w", typ, version, err)
	}

	var meta Metadata
	if rawMeta, err := os.ReadFile(r.metaPath(typ, version)); err == nil {
		// A corrupt sidecar never blocks reading the body.
		_ = json.Unmarshal(rawMeta, &meta)
	}

	active, _ := r.ActiveVersion(typ)
	return &Version{
		ID:       typ + "_" + version,
		Type:     typ,
		Version:  version,
		Content:  string(body),
		IsActive: active == version,
		Metadata: meta,
	}, nil
}

// Activate makes the given version the active one for its type. The shadow
// file swap is atomic; concurrent readers see either the old or the new body.
func (r *Registry) Activate(typ, version string) error {
	if err := checkName(typ); err != nil {
		return err
	}
	if err := checkName(version); err != nil {
		return err
	}

	l := r.lockType(typ)
	l.Lock()
	defer l.Unlock()

	body, err := os.ReadFile(r.bodyPath(typ, version))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s_%s", ErrNotFound, typ, version)
	}
	if err != nil {
		return fmt.Errorf("promptreg: read %s_%s: %w", typ, version, err)
	}

	if err := writeAtomic(r.shadowPath(typ), body); err != nil {
		return fmt.Errorf("promptreg: swap active %q: %w", typ, err)
	}

	r.mu.Lock()
	r.idx.Active[typ] = version
	rawIdx, err := json.MarshalIndent(r.idx, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("promptreg: marshal registry.json: %w", err)
	}
	if err := writeAtomic(filepath.Join(r.dir, "registry.json"), rawIdx); err != nil {
		return fmt.Errorf("promptreg: write registry.json: %w", err)
	}
	return nil
}

// Rollback re-activates an earlier version. It is an alias of [Registry.Activate]
// kept for call-site clarity.
func (r *Registry) Rollback(typ, version string) error {
	return r.Activate(typ, version)
}

// Compare reports size deltas between two versions of the same type (v2 - v1).
func (r *Registry) Compare(typ, v1, v2 string) (Delta, error) {
	a, err := r.Get(typ, v1)
	if err != nil {
		return Delta{}, err
	}
	b, err := r.Get(typ, v2)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		LenDelta:   len(b.Content) - len(a.Content),
		TokenDelta: b.Metadata.TokenEstimate - a.Metadata.TokenEstimate,
	}, nil
}

// EnsureDefault registers and activates content as version "v1" for typ when
// the type has no active version yet. Used at startup to seed built-ins.
func (r *Registry) EnsureDefault(typ, content string) error {
	if _, ok := r.ActiveVersion(typ); ok {
		return nil
	}
	if _, err := r.Register(typ, "v1", content, Metadata{Description: "built-in default"}); err != nil {
		return err
	}
	return r.Activate(typ, "v1")
}

// writeAtomic writes data to path via a temp file + rename in the same
// directory.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
