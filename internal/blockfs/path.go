package blockfs

import (
	"fmt"
	"strings"
)

// validatePath rejects the empty path, "." and ".." segments, consecutive
// slashes, segments longer than cfg.NameMax, and paths deeper than
// maxDepth. A leading slash is optional. Returns the path's segments on
// success (none for "/").
func validatePath(cfg Config, path string, maxDepth int) ([]string, error) {
	if path == "" {
		return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("empty path"))
	}
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		// "/" itself: zero segments, depth 0.
		return nil, nil
	}
	if strings.Contains(trimmed, "//") {
		return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("consecutive slashes"))
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) > maxDepth {
		return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("depth %d exceeds max %d", len(segments), maxDepth))
	}
	for _, seg := range segments {
		switch seg {
		case "":
			return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("empty segment"))
		case ".", "..":
			return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("unsafe segment %q", seg))
		}
		if len(seg) > cfg.NameMax {
			return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("segment %q exceeds name_max %d", seg, cfg.NameMax))
		}
	}
	return segments, nil
}

// validateDirPath applies FS_MAX_DIR_DEPTH. The bare root "/" is a legal
// directory path (depth 0) for opendir/readdir.
func validateDirPath(cfg Config, path string) ([]string, error) {
	return validatePath(cfg, path, cfg.MaxDirDepth)
}

// validateFilePath applies FS_MAX_FILE_DEPTH = FS_MAX_DIR_DEPTH + 1.
func validateFilePath(cfg Config, path string) ([]string, error) {
	return validatePath(cfg, path, cfg.MaxFileDepth())
}

// validateNamedPath is validateDirPath but additionally rejects the root
// path "/" itself, for operations that name a concrete entry to create or
// remove (mkdir, rmdir) rather than address the tree root.
func validateNamedPath(cfg Config, path string) ([]string, error) {
	segments, err := validateDirPath(cfg, path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("root path has no name"))
	}
	return segments, nil
}

// validateNamedFilePath is validateFilePath with the same root-rejection
// as validateNamedPath, used by open/delete.
func validateNamedFilePath(cfg Config, path string) ([]string, error) {
	segments, err := validateFilePath(cfg, path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, newErr(KindInvalid, "validate_path", path, fmt.Errorf("root path has no name"))
	}
	return segments, nil
}
