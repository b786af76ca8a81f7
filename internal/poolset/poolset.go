// Package poolset implements the daemon-side pool-set database (C5,
// §4.5): serialized pool lifecycle operations, cross-set duplicate
// detection, and pool-attribute application. Persistency-policy
// selection is done by internal/dataplane's SelectPolicy.
package poolset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openpmem/rpmem/internal/pmem"
	"github.com/openpmem/rpmem/internal/wire"
)

// MinPoolSize and MinPartSize are the floors the pool-set creator
// enforces (§4.5).
const (
	MinPoolSize = 8 << 10
	MinPartSize = 2 << 20
)

// HeaderGuardSize is the region at the start of a pool without a
// client-supplied attribute block that persist operations may not
// target (§4.5 "no_headers").
const HeaderGuardSize = 4 << 10

var (
	ErrAbsoluteDesc  = errors.New("poolset: descriptor must not be absolute")
	ErrSizeTooSmall  = errors.New("poolset: resulting pool size below minimum or requested size")
	ErrNotOpen       = errors.New("poolset: descriptor not open")
	ErrHeaderGuarded = errors.New("poolset: offset falls within the no-headers guard region")
)

// Descriptor is the daemon-side pool descriptor (§3.3): everything the
// data plane needs once a pool is created or opened.
type Descriptor struct {
	Desc       string
	SetFile    *File
	Mapping    *pmem.Mapping
	file       *os.File
	Size       int64
	NoHeaders  bool
	Attr       wire.PoolAttr
	persistMu  sync.Mutex
}

// BaseBuf returns the mapped bytes of replica 0.
func (d *Descriptor) BaseBuf() []byte { return d.Mapping.Bytes() }

// CheckOffset enforces the no_headers guard (§4.5): when the pool was
// created/opened with an all-zero attribute block, persists below
// HeaderGuardSize are rejected to protect the pool header.
func (d *Descriptor) CheckOffset(offset uint64) error {
	if d.NoHeaders && offset < HeaderGuardSize {
		return ErrHeaderGuarded
	}
	return nil
}

// DB is the single-mutex-protected pool-set database (§4.5).
type DB struct {
	mu      sync.Mutex
	rootDir string
	mode    os.FileMode

	open map[string]*Descriptor
	seen map[string]string // part path -> descriptor that mapped it
}

// NewDB creates a pool-set database rooted at rootDir; parts are
// chmod'd to mode on creation.
func NewDB(rootDir string, mode os.FileMode) *DB {
	return &DB{rootDir: rootDir, mode: mode, open: map[string]*Descriptor{}, seen: map[string]string{}}
}

// resolve maps a client-supplied descriptor to an absolute path under
// rootDir, rejecting absolute or escaping descriptors (§4.5, §6.3).
func (db *DB) resolve(desc string) (string, error) {
	if filepath.IsAbs(desc) {
		return "", fmt.Errorf("poolset: %w: %s", ErrAbsoluteDesc, desc)
	}
	abs := filepath.Join(db.rootDir, desc)
	rel, err := filepath.Rel(db.rootDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("poolset: %w: %s escapes root", ErrAbsoluteDesc, desc)
	}
	return abs, nil
}

// Create implements §4.5 create(desc, size_req, attr_opt).
func (db *DB) Create(desc string, sizeReq uint64, attrOpt *wire.PoolAttr) (*Descriptor, wire.Status, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	path, err := db.resolve(desc)
	if err != nil {
		return nil, wire.StatusBadName, err
	}

	setFile, err := db.createPoolSetFile(path, sizeReq)
	if err != nil {
		return nil, wire.StatusPoolCfg, err
	}

	parts := setFile.ReplicaZero()
	for _, part := range parts {
		if err := os.Chmod(part.Path, db.mode); err != nil {
			return nil, wire.StatusPoolCfg, fmt.Errorf("poolset: chmod %s: %w", part.Path, err)
		}
	}

	noHeaders := attrOpt == nil || isZeroAttr(attrOpt)
	d, status, err := db.mapDescriptor(desc, setFile, noHeaders, attrOpt)
	if err != nil {
		return nil, status, err
	}
	if d.Size < MinPoolSize || uint64(d.Size) < sizeReq {
		d.Mapping.Unmap()
		d.file.Close()
		return nil, wire.StatusBadSize, ErrSizeTooSmall
	}

	db.open[desc] = d
	return d, wire.StatusSuccess, nil
}

// Open implements §4.5 open(desc, size_req, &attr_out).
func (db *DB) Open(desc string, sizeReq uint64) (*Descriptor, wire.Status, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	path, err := db.resolve(desc)
	if err != nil {
		return nil, wire.StatusBadName, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, wire.StatusNoExist, fmt.Errorf("poolset: %s: %w", desc, err)
	}
	setFile, err := ParseFile(path)
	if err != nil {
		return nil, wire.StatusPoolCfg, err
	}

	d, status, err := db.mapDescriptor(desc, setFile, false, nil)
	if err != nil {
		return nil, status, err
	}
	attr, err := wire.DecodePoolAttr(d.Mapping.Bytes()[:wire.PoolAttrSize])
	if err != nil {
		d.Mapping.Unmap()
		d.file.Close()
		return nil, wire.StatusPoolCfg, fmt.Errorf("poolset: decode header: %w", err)
	}
	d.Attr = *attr
	d.NoHeaders = isZeroAttr(attr)

	if uint64(d.Size) < sizeReq {
		d.Mapping.Unmap()
		d.file.Close()
		return nil, wire.StatusBadSize, ErrSizeTooSmall
	}

	db.open[desc] = d
	return d, wire.StatusSuccess, nil
}

// mapDescriptor mmaps replica 0's first (only, in this implementation)
// part and populates a Descriptor. Multi-part replicas are parsed but
// only single-part replicas can be mapped contiguously; see DESIGN.md.
func (db *DB) mapDescriptor(desc string, setFile *File, noHeaders bool, attrOpt *wire.PoolAttr) (*Descriptor, wire.Status, error) {
	parts := setFile.ReplicaZero()
	if len(parts) != 1 {
		return nil, wire.StatusPoolCfg, fmt.Errorf("poolset: %s: multi-part replicas are not supported", desc)
	}
	part := parts[0]

	f, err := os.OpenFile(part.Path, os.O_RDWR, db.mode)
	if err != nil {
		return nil, wire.StatusPoolCfg, fmt.Errorf("poolset: open part %s: %w", part.Path, err)
	}
	mapping, err := pmem.Map(f, part.Size, pmem.MapOptions{})
	if err != nil {
		f.Close()
		return nil, wire.StatusFatal, err
	}
	d := &Descriptor{
		Desc: desc, SetFile: setFile, Mapping: mapping, file: f,
		Size: part.Size, NoHeaders: noHeaders,
	}
	if attrOpt != nil {
		d.Attr = *attrOpt
		if err := mapping.MemcpyPersist(0, wire.EncodePoolAttr(attrOpt)); err != nil {
			mapping.Unmap()
			f.Close()
			return nil, wire.StatusFatal, err
		}
	}
	for _, p := range parts {
		db.seen[p.Path] = desc
	}
	return d, wire.StatusSuccess, nil
}

// createPoolSetFile synthesizes a single-part ".set" file at path and
// its backing part file at path+".part" when the caller addresses a
// pool by a bare path rather than a pre-authored pool-set file (the
// common CREATE case).
func (db *DB) createPoolSetFile(path string, sizeReq uint64) (*File, error) {
	size := int64(sizeReq)
	if size < MinPoolSize {
		size = MinPoolSize
	}
	if size < MinPartSize {
		size = MinPartSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("poolset: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, db.mode)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("poolset: %s: %w", path, ErrExists)
		}
		return nil, fmt.Errorf("poolset: create %s: %w", path, err)
	}
	defer f.Close()
	partPath := path + ".part"
	part, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, db.mode)
	if err != nil {
		return nil, fmt.Errorf("poolset: create %s: %w", partPath, err)
	}
	defer part.Close()
	if err := part.Truncate(size); err != nil {
		return nil, fmt.Errorf("poolset: truncate %s: %w", partPath, err)
	}
	if _, err := fmt.Fprintf(f, "PMEMPOOLSET\n%d %s\n", size, partPath); err != nil {
		return nil, fmt.Errorf("poolset: write %s: %w", path, err)
	}
	return &File{Path: path, Replicas: [][]Part{{{Size: size, Path: partPath}}}}, nil
}

// ErrExists is returned when a pool's backing file already exists.
var ErrExists = errors.New("poolset: already exists")

// Remove implements §4.5 remove(desc, force, remove_poolset).
func (db *DB) Remove(desc string, force, removePoolset bool) (wire.Status, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	path, err := db.resolve(desc)
	if err != nil {
		return wire.StatusBadName, err
	}
	setFile, err := ParseFile(path)
	if err != nil {
		if removePoolset {
			if rmErr := os.Remove(path); rmErr != nil && !force {
				return wire.StatusNoExist, rmErr
			}
		}
		return wire.StatusSuccess, nil
	}

	var firstErr error
	for _, replica := range setFile.Replicas {
		for _, part := range replica {
			if err := os.Remove(part.Path); err != nil && !force {
				if firstErr == nil {
					firstErr = err
				}
			}
			delete(db.seen, part.Path)
		}
	}
	if firstErr != nil {
		return wire.StatusFatal, firstErr
	}
	if removePoolset {
		if err := os.Remove(path); err != nil && !force {
			return wire.StatusFatal, err
		}
	}
	delete(db.open, desc)
	return wire.StatusSuccess, nil
}

// SetAttr implements §4.5 set_attr(handle, attr): overwrite replica 0's
// on-disk attribute block.
func (db *DB) SetAttr(d *Descriptor, attr *wire.PoolAttr) (wire.Status, error) {
	if d == nil || d.Mapping == nil {
		return wire.StatusFatal, ErrNotOpen
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	if err := d.Mapping.MemcpyPersist(0, wire.EncodePoolAttr(attr)); err != nil {
		return wire.StatusFatal, err
	}
	d.Attr = *attr
	d.NoHeaders = isZeroAttr(attr)
	return wire.StatusSuccess, nil
}

// CheckDir implements §4.5 check_dir(): scans rootDir recursively for
// pool-set files and reports EEXIST on the first part-path collision
// across distinct sets (property 10).
func (db *DB) CheckDir() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	seen := map[string]string{}
	return filepath.Walk(db.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".set") {
			return err
		}
		setFile, perr := ParseFile(path)
		if perr != nil {
			return nil
		}
		for _, replica := range setFile.Replicas {
			for _, part := range replica {
				if owner, ok := seen[part.Path]; ok && owner != path {
					return fmt.Errorf("poolset: %w: part %s referenced by both %s and %s", ErrExists, part.Path, owner, path)
				}
				seen[part.Path] = path
			}
		}
		return nil
	})
}

func isZeroAttr(a *wire.PoolAttr) bool {
	zero := wire.PoolAttr{}
	return *a == zero
}

// NewAttrWithUUID is a convenience for daemons that must synthesize a
// default attribute block when none is supplied on create.
func NewAttrWithUUID(signature [8]byte) wire.PoolAttr {
	id := uuid.New()
	var u [16]byte
	copy(u[:], id[:])
	return wire.PoolAttr{Signature: signature, Major: 1, UUID: u, PoolsetUUID: u}
}
