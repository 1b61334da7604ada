// Package respfilter trims provider payloads to what the policy lets a
// terminal see. Filtering is best-effort and never fails a request: payloads
// that do not parse pass through untouched.
package respfilter

import (
	"encoding/json"
	"strings"

	"conduit/pkg/derive"
	"conduit/pkg/enforce"
	"conduit/pkg/policy"
)

// Filter applies the provider's read-side filters to a payload. The bool
// reports whether anything was removed or redacted.
func Filter(doc policy.Document, action string, payload json.RawMessage) (json.RawMessage, bool) {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return payload, false
	}

	var filtered bool
	switch doc.Provider {
	case policy.ProviderGmail:
		data, filtered = filterGmail(doc.Gmail, action, data)
	case policy.ProviderCalendar:
		data, filtered = filterCalendar(doc.Calendar, action, data)
	case policy.ProviderDrive:
		data, filtered = filterDrive(doc.Drive, action, data)
	case policy.ProviderGitHub:
		data, filtered = filterGitHub(doc.GitHub, action, data)
	case policy.ProviderSlack:
		data, filtered = filterChat(doc.Slack.Channels, action, data)
	case policy.ProviderTelegram:
		data, filtered = filterChat(doc.Telegram.Channels, action, data)
	}
	if !filtered {
		return payload, false
	}
	out, err := json.Marshal(data)
	if err != nil {
		return payload, false
	}
	return out, true
}

func filterGmail(p *policy.GmailPolicy, action string, data any) (any, bool) {
	if !p.Senders.Configured() && len(p.AllowedLabels) == 0 {
		return data, false
	}
	switch action {
	case "list_messages", "search_messages", "get_thread":
		obj, ok := data.(map[string]any)
		if !ok {
			return data, false
		}
		msgs, ok := obj["messages"].([]any)
		if !ok {
			return data, false
		}
		kept := msgs[:0:0]
		for _, m := range msgs {
			if gmailMessageVisible(p, m) {
				kept = append(kept, m)
			}
		}
		if len(kept) == len(msgs) {
			return data, false
		}
		obj["messages"] = kept
		return obj, true
	case "get_message":
		if gmailMessageVisible(p, data) {
			return data, false
		}
		return nil, true
	}
	return data, false
}

func gmailMessageVisible(p *policy.GmailPolicy, m any) bool {
	msg, ok := m.(map[string]any)
	if !ok {
		return true
	}
	if p.Senders.Configured() {
		from, _ := msg["from"].(string)
		addr := derive.NormalizeAddress(from)
		matched := senderMatches(p.Senders, addr)
		if p.Senders.Mode == policy.ListModeAllowlist && !matched {
			return false
		}
		if p.Senders.Mode == policy.ListModeBlocklist && matched {
			return false
		}
	}
	if len(p.AllowedLabels) > 0 {
		if !labelsIntersect(messageLabels(msg), p.AllowedLabels) {
			return false
		}
	}
	return true
}

func senderMatches(f policy.AddressFilter, addr string) bool {
	if addr == "" {
		return false
	}
	for _, a := range f.Addresses {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		domain := addr[i+1:]
		for _, d := range f.Domains {
			if strings.EqualFold(d, domain) {
				return true
			}
		}
	}
	return false
}

func messageLabels(msg map[string]any) []string {
	raw, ok := msg["labels"].([]any)
	if !ok {
		raw, ok = msg["labelIds"].([]any)
	}
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func labelsIntersect(labels, allowed []string) bool {
	for _, l := range labels {
		for _, a := range allowed {
			if strings.EqualFold(l, a) {
				return true
			}
		}
	}
	return false
}

func filterCalendar(p *policy.CalendarPolicy, action string, data any) (any, bool) {
	if action != "list_calendars" || !p.Calendars.Configured() {
		return data, false
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return data, false
	}
	cals, ok := obj["calendars"].([]any)
	if !ok {
		return data, false
	}
	kept := cals[:0:0]
	for _, c := range cals {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["id"].(string)
		primary, _ := entry["primary"].(bool)
		if calendarVisible(p.Calendars.CalendarIDs, id, primary) {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(cals) {
		return data, false
	}
	obj["calendars"] = kept
	return obj, true
}

func calendarVisible(allowed []string, id string, primary bool) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, id) {
			return true
		}
		if primary && strings.EqualFold(a, "primary") {
			return true
		}
	}
	return false
}

func filterDrive(p *policy.DrivePolicy, action string, data any) (any, bool) {
	if !p.Folders.Configured() && !p.FileTypes.Configured() {
		return data, false
	}
	switch action {
	case "list_files", "search_files":
		obj, ok := data.(map[string]any)
		if !ok {
			return data, false
		}
		files, ok := obj["files"].([]any)
		if !ok {
			return data, false
		}
		kept := files[:0:0]
		for _, f := range files {
			entry, ok := f.(map[string]any)
			if !ok {
				continue
			}
			if driveFileVisible(p, entry) {
				kept = append(kept, f)
			}
		}
		if len(kept) == len(files) {
			return data, false
		}
		obj["files"] = kept
		return obj, true
	case "get_file":
		entry, ok := data.(map[string]any)
		if !ok {
			return data, false
		}
		if wrapped, ok := entry["file"].(map[string]any); ok {
			entry = wrapped
		}
		if driveFileVisible(p, entry) {
			return data, false
		}
		return nil, true
	}
	return data, false
}

func driveFileVisible(p *policy.DrivePolicy, entry map[string]any) bool {
	if p.Folders.Configured() && !folderVisible(p.Folders, entryParents(entry)) {
		return false
	}
	if p.FileTypes.Configured() {
		mime, _ := entry["mimeType"].(string)
		name, _ := entry["name"].(string)
		if !downloadTypeAllowed(p.FileTypes, mime, name) {
			return false
		}
	}
	return true
}

func entryParents(entry map[string]any) []string {
	raw, ok := entry["parents"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func folderVisible(f policy.FolderFilter, parents []string) bool {
	listed := false
	for _, parent := range parents {
		for _, id := range f.FolderIDs {
			if id == parent {
				listed = true
			}
		}
	}
	if f.Mode == policy.ListModeAllowlist {
		return listed
	}
	return !listed
}

func filterGitHub(p *policy.GitHubPolicy, action string, data any) (any, bool) {
	if !p.Repos.Configured() {
		return data, false
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return data, false
	}
	for _, key := range []string{"repositories", "items"} {
		list, ok := obj[key].([]any)
		if !ok {
			continue
		}
		kept := list[:0:0]
		for _, item := range list {
			if repoVisible(p.Repos, item) {
				kept = append(kept, item)
			}
		}
		if len(kept) != len(list) {
			obj[key] = kept
			return obj, true
		}
	}
	return data, false
}

func repoVisible(f policy.RepoFilter, item any) bool {
	entry, ok := item.(map[string]any)
	if !ok {
		return true
	}
	full, _ := entry["full_name"].(string)
	if full == "" {
		if repo, ok := entry["repository"].(map[string]any); ok {
			full, _ = repo["full_name"].(string)
		}
	}
	if full == "" {
		return true
	}
	owner := full
	if i := strings.IndexByte(full, '/'); i >= 0 {
		owner = full[:i]
	}
	matched := enforce.RepoMatches(f, owner, full)
	if f.Mode == policy.ListModeAllowlist {
		return matched
	}
	return !matched
}

// piiKeys are stripped from chat payloads wherever they appear. Profile
// image URLs count as contact data; Slack spells them image_24 through
// image_original, so those match by prefix in isPIIKey.
var piiKeys = map[string]struct{}{
	"email":        {},
	"phone":        {},
	"phone_number": {},
	"avatar":       {},
	"avatar_url":   {},
	"photo":        {},
	"photo_url":    {},
}

func isPIIKey(k string) bool {
	k = strings.ToLower(k)
	if _, ok := piiKeys[k]; ok {
		return true
	}
	return strings.HasPrefix(k, "image_")
}

func filterChat(f policy.ChannelFilter, action string, data any) (any, bool) {
	var filtered bool
	if action == "list_channels" || action == "list_chats" {
		if f.Configured() {
			data, filtered = filterChannelList(f, data)
		}
	}
	if stripPII(data) {
		filtered = true
	}
	return data, filtered
}

func filterChannelList(f policy.ChannelFilter, data any) (any, bool) {
	obj, ok := data.(map[string]any)
	if !ok {
		return data, false
	}
	key := "channels"
	list, ok := obj[key].([]any)
	if !ok {
		key = "chats"
		list, ok = obj[key].([]any)
		if !ok {
			return data, false
		}
	}
	kept := list[:0:0]
	for _, c := range list {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["id"].(string)
		name, _ := entry["name"].(string)
		matched := enforce.ChannelMatches(f, id, name)
		visible := matched
		if f.Mode == policy.ListModeBlocklist {
			visible = !matched
		}
		if visible {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(list) {
		return data, false
	}
	obj[key] = kept
	return obj, true
}

// stripPII removes contact fields in place, recursively.
func stripPII(data any) bool {
	stripped := false
	switch v := data.(type) {
	case map[string]any:
		for k, child := range v {
			if isPIIKey(k) {
				delete(v, k)
				stripped = true
				continue
			}
			if stripPII(child) {
				stripped = true
			}
		}
	case []any:
		for _, child := range v {
			if stripPII(child) {
				stripped = true
			}
		}
	}
	return stripped
}
