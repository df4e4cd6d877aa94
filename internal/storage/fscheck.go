package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is wrapped by every FilesystemError.
var ErrNetworkFilesystem = errors.New("path is on a network filesystem")

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// Placement is a file the agent needs on local disk, together with the
// setting that moves it.
type Placement struct {
	What    string
	Setting string
	Reason  string
}

var (
	StateDatabase = Placement{
		What:    "state database",
		Setting: "state.path",
		Reason:  "SQLite in WAL mode needs local file locks and shared memory",
	}
	AgentLock = Placement{
		What:    "agent lock",
		Setting: "agent.work_dir",
		Reason:  "flock on a network mount does not keep a second agent out",
	}
)

// FilesystemError reports a Placement found on a network mount.
type FilesystemError struct {
	Placement
	Path   string
	FSType string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q: %s. Point %s at local disk",
		e.What, e.Path, e.FSType, e.Reason, e.Setting)
}

func (e *FilesystemError) Unwrap() error { return ErrNetworkFilesystem }

// CheckLocal reports whether path, or its nearest existing parent, is on a
// local filesystem. Platforms without detection always pass.
func (p Placement) CheckLocal(path string) error {
	err := p.check(path, detectFilesystemType)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	return err
}

func (p Placement) check(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", p.What)
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", p.What, path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isNetworkFilesystem(fsType) {
		return &FilesystemError{Placement: p, Path: path, FSType: fsType}
	}
	return nil
}

// nearestExistingPath walks up from path until something exists, since the
// database and work directory may not have been created yet.
func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
