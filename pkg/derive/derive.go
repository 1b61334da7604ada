// Package derive computes the enforcement-relevant context of a call from
// the same argument map that will be handed to the provider executor. It
// never reads a caller-supplied "context" object: a forged context would let
// a sandbox describe one action while performing another.
package derive

import (
	"strconv"
	"strings"

	"conduit/pkg/policy"
)

// Recipient keeps the parsed address and its domain as one pair so the two
// never desynchronize across to/cc/bcc indexes.
type Recipient struct {
	Address string `json:"address"`
	Domain  string `json:"domain"`
}

// ActionContext is the fixed, server-derived view of a call's arguments.
type ActionContext struct {
	Recipients  []Recipient `json:"recipients,omitempty"`
	URL         string      `json:"url,omitempty"`
	RepoOwner   string      `json:"repoOwner,omitempty"`
	RepoName    string      `json:"repoName,omitempty"`
	CalendarID  string      `json:"calendarId,omitempty"`
	FolderID    string      `json:"folderId,omitempty"`
	FileName    string      `json:"fileName,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
	ChannelID   string      `json:"channelId,omitempty"`
	ChannelName string      `json:"channelName,omitempty"`
	MessageText string      `json:"messageText,omitempty"`
	ThreadID    string      `json:"threadId,omitempty"`
	DMRecipient string      `json:"dmRecipient,omitempty"`
	ResourceID  string      `json:"resourceId,omitempty"`
}

// Derive extracts the context for one action. Pure: the argument map is
// read, never mutated.
func Derive(provider policy.Provider, action string, args map[string]any) ActionContext {
	var ctx ActionContext
	switch provider {
	case policy.ProviderGmail:
		ctx.Recipients = parseRecipients(args, "to", "cc", "bcc")
		ctx.MessageText = firstString(args, "body", "text")
		ctx.ThreadID = firstString(args, "thread_id", "threadId")
		ctx.ResourceID = firstString(args, "message_id", "messageId", "id", "draft_id")
	case policy.ProviderCalendar:
		ctx.CalendarID = firstString(args, "calendar_id", "calendarId")
		ctx.ResourceID = firstString(args, "event_id", "eventId", "id")
	case policy.ProviderDrive:
		ctx.FolderID = deriveFolderID(args)
		ctx.FileName = firstString(args, "name", "file_name", "fileName")
		ctx.MimeType = firstString(args, "mime_type", "mimeType")
		ctx.ResourceID = firstString(args, "file_id", "fileId", "id")
	case policy.ProviderGitHub:
		ctx.RepoOwner, ctx.RepoName = deriveRepo(args)
		ctx.URL = firstString(args, "url")
		ctx.ResourceID = firstString(args, "issue_number", "pr_number", "number")
	case policy.ProviderSlack:
		raw := firstString(args, "channel", "channel_id", "to")
		ctx.ChannelID, ctx.ChannelName = splitChannel(raw)
		ctx.MessageText = firstString(args, "text", "message")
		ctx.ThreadID = firstString(args, "thread_ts", "thread_id")
		ctx.DMRecipient = firstString(args, "user", "user_id")
	case policy.ProviderTelegram:
		raw := firstString(args, "chat_id", "channel", "room_id", "space", "to")
		ctx.ChannelID, ctx.ChannelName = splitChannel(raw)
		ctx.MessageText = firstString(args, "text", "message")
		ctx.ThreadID = firstString(args, "reply_to_message_id", "thread_id")
	case policy.ProviderBrowser:
		ctx.URL = firstString(args, "url")
	}
	return ctx
}

func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := args[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			// JSON numbers arrive as float64; ids like issue numbers are
			// rendered without a fraction.
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func parseRecipients(args map[string]any, keys ...string) []Recipient {
	var out []Recipient
	for _, k := range keys {
		v, ok := args[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			out = append(out, splitAddressList(t)...)
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					out = append(out, splitAddressList(s)...)
				}
			}
		case []string:
			for _, s := range t {
				out = append(out, splitAddressList(s)...)
			}
		}
	}
	return out
}

func splitAddressList(raw string) []Recipient {
	var out []Recipient
	for _, part := range strings.Split(raw, ",") {
		addr := NormalizeAddress(part)
		if addr == "" {
			continue
		}
		out = append(out, Recipient{Address: addr, Domain: domainOf(addr)})
	}
	return out
}

// NormalizeAddress extracts the bare address from "Name <a@b.c>" forms and
// lower-cases it.
func NormalizeAddress(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if start := strings.LastIndex(s, "<"); start >= 0 {
		if end := strings.Index(s[start:], ">"); end > 0 {
			s = s[start+1 : start+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

func deriveFolderID(args map[string]any) string {
	if id := firstString(args, "folder_id", "folderId", "parent_id", "parentId"); id != "" {
		return id
	}
	if parents, ok := args["parents"].([]any); ok && len(parents) > 0 {
		if s, ok := parents[0].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func deriveRepo(args map[string]any) (owner, name string) {
	owner = firstString(args, "owner", "org")
	name = firstString(args, "repo", "repository")
	if strings.Contains(name, "/") {
		parts := strings.SplitN(name, "/", 2)
		if owner == "" {
			owner = parts[0]
		}
		name = parts[1]
	}
	if owner == "" || name == "" {
		if full := firstString(args, "full_name", "fullName"); strings.Contains(full, "/") {
			parts := strings.SplitN(full, "/", 2)
			owner, name = parts[0], parts[1]
		}
	}
	return strings.ToLower(owner), strings.ToLower(name)
}

// splitChannel keeps the raw identifier and a normalized name. A leading '#'
// marks the value as a name; otherwise it may be either convention, so both
// fields carry it and enforcement checks both directions.
func splitChannel(raw string) (id, name string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if strings.HasPrefix(raw, "#") {
		return "", strings.ToLower(strings.TrimPrefix(raw, "#"))
	}
	return raw, strings.ToLower(raw)
}
