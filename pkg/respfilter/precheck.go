package respfilter

import (
	"encoding/json"
	"fmt"
	"strings"

	"conduit/pkg/policy"
)

// FileMetadata is the subset of a drive file record the precheck looks at.
type FileMetadata struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents"`
}

// drivePrecheckActions mutate or expose an existing file and need its
// metadata checked before execution.
var drivePrecheckActions = map[string]struct{}{
	"download_file": {},
	"update_file":   {},
	"share_file":    {},
	"delete_file":   {},
}

// NeedsPrecheck reports whether an action requires the drive metadata
// precheck.
func NeedsPrecheck(provider policy.Provider, action string) bool {
	if provider != policy.ProviderDrive {
		return false
	}
	_, ok := drivePrecheckActions[action]
	return ok
}

// ParseFileMetadata decodes a get_file payload. Metadata that does not parse
// is a precheck failure, not a pass.
func ParseFileMetadata(payload json.RawMessage) (FileMetadata, error) {
	var meta FileMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return FileMetadata{}, fmt.Errorf("parse file metadata: %w", err)
	}
	if meta.ID == "" {
		var wrapped struct {
			File FileMetadata `json:"file"`
		}
		if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.File.ID != "" {
			return wrapped.File, nil
		}
	}
	return meta, nil
}

// CheckMetadata verifies a file against the drive policy's folder filter,
// and against the file-type filter for downloads. A non-empty return is the
// denial reason.
func CheckMetadata(p *policy.DrivePolicy, action string, meta FileMetadata) string {
	if p == nil {
		return "drive policy missing"
	}
	if p.Folders.Configured() && !folderVisible(p.Folders, meta.Parents) {
		return fmt.Sprintf("file %s is outside the permitted folders", meta.ID)
	}
	if action == "download_file" && p.FileTypes.Configured() {
		if !downloadTypeAllowed(p.FileTypes, meta.MimeType, meta.Name) {
			return fmt.Sprintf("file type of %s is not permitted", meta.Name)
		}
	}
	return ""
}

func downloadTypeAllowed(f policy.FileTypeFilter, mimeType, name string) bool {
	for _, m := range f.MimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		ext := strings.ToLower(name[i+1:])
		for _, e := range f.Extensions {
			if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
				return true
			}
		}
	}
	return false
}
