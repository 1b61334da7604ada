// Package enforce decides whether a policy document permits a concrete action.
// Every check fails closed: unknown actions, unresolvable targets and filter
// misses all produce denials with a human-readable reason.
package enforce

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"conduit/pkg/derive"
	"conduit/pkg/policy"
)

type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Result is the outcome of a single enforcement pass.
type Result struct {
	Allowed    bool
	Decision   Decision
	Capability policy.Capability
	Reason     string
}

// ConfirmationLookup answers whether the user has confirmed a high-risk
// capability for an integration.
type ConfirmationLookup interface {
	HasConfirmation(ctx context.Context, integrationID string, capability policy.Capability) (bool, error)
}

func deny(capability policy.Capability, reason string) Result {
	return Result{Allowed: false, Decision: DecisionDenied, Capability: capability, Reason: reason}
}

func allow(capability policy.Capability) Result {
	return Result{Allowed: true, Decision: DecisionAllowed, Capability: capability}
}

// Enforce runs the full decision chain: action table, capability flag,
// high-risk confirmation, then the provider's structured filters. The error
// return is reserved for confirmation lookup failures; a lookup error still
// comes with a denying Result so callers can fail closed without inspecting it.
func Enforce(ctx context.Context, doc policy.Document, integrationID, action string, actx derive.ActionContext, confirmations ConfirmationLookup) (Result, error) {
	capability, ok := CapabilityFor(doc.Provider, action)
	if !ok {
		return deny("", fmt.Sprintf("unknown action %q for provider %s", action, doc.Provider)), nil
	}
	if !doc.CapabilityEnabled(capability) {
		return deny(capability, fmt.Sprintf("capability %s disabled by policy", capability)), nil
	}
	if IsHighRisk(capability) {
		if confirmations == nil {
			return deny(capability, fmt.Sprintf("high-risk capability %s requires user confirmation", capability)), nil
		}
		confirmed, err := confirmations.HasConfirmation(ctx, integrationID, capability)
		if err != nil {
			return deny(capability, "confirmation lookup failed"), err
		}
		if !confirmed {
			return deny(capability, fmt.Sprintf("high-risk capability %s requires user confirmation", capability)), nil
		}
	}

	switch doc.Provider {
	case policy.ProviderGmail:
		return enforceGmail(doc.Gmail, capability, action, actx), nil
	case policy.ProviderCalendar:
		return enforceCalendar(doc.Calendar, capability, action, actx), nil
	case policy.ProviderDrive:
		return enforceDrive(doc.Drive, capability, action, actx), nil
	case policy.ProviderGitHub:
		return enforceGitHub(doc.GitHub, capability, action, actx), nil
	case policy.ProviderSlack:
		return enforceChannels(doc.Slack.Channels, capability, action, actx), nil
	case policy.ProviderTelegram:
		return enforceChannels(doc.Telegram.Channels, capability, action, actx), nil
	case policy.ProviderBrowser:
		return enforceBrowser(doc.Browser, capability, action, actx), nil
	}
	return deny(capability, fmt.Sprintf("unknown provider %s", doc.Provider)), nil
}

func enforceGmail(p *policy.GmailPolicy, capability policy.Capability, action string, actx derive.ActionContext) Result {
	if _, sendLike := sendActions[action]; sendLike && p.Recipients.Configured() {
		if len(actx.Recipients) == 0 {
			return deny(capability, "no recipients resolved from request")
		}
		for _, r := range actx.Recipients {
			if !addressMatches(p.Recipients, r) {
				if p.Recipients.Mode == policy.ListModeAllowlist {
					return deny(capability, fmt.Sprintf("recipient %s not in allowlist", r.Address))
				}
				continue
			}
			if p.Recipients.Mode == policy.ListModeBlocklist {
				return deny(capability, fmt.Sprintf("recipient %s is blocklisted", r.Address))
			}
		}
	}
	return allow(capability)
}

func enforceCalendar(p *policy.CalendarPolicy, capability policy.Capability, action string, actx derive.ActionContext) Result {
	if _, unscoped := calendarUnscopedActions[action]; unscoped {
		return allow(capability)
	}
	if !p.Calendars.Configured() {
		return allow(capability)
	}
	id := actx.CalendarID
	if id == "" {
		id = "primary"
	}
	for _, allowed := range p.Calendars.CalendarIDs {
		if strings.EqualFold(allowed, id) {
			return allow(capability)
		}
	}
	return deny(capability, fmt.Sprintf("calendar %s not in allowed set", id))
}

func enforceDrive(p *policy.DrivePolicy, capability policy.Capability, action string, actx derive.ActionContext) Result {
	if _, create := driveCreateActions[action]; !create {
		return allow(capability)
	}
	if p.Folders.Configured() {
		folderID := actx.FolderID
		if folderID == "" {
			folderID = "root"
		}
		listed := false
		for _, f := range p.Folders.FolderIDs {
			if f == folderID {
				listed = true
				break
			}
		}
		if p.Folders.Mode == policy.ListModeAllowlist && !listed {
			return deny(capability, fmt.Sprintf("folder %s not in allowlist", folderID))
		}
		if p.Folders.Mode == policy.ListModeBlocklist && listed {
			return deny(capability, fmt.Sprintf("folder %s is blocklisted", folderID))
		}
	}
	if action == "upload_file" && p.FileTypes.Configured() {
		if !fileTypeAllowed(p.FileTypes, actx.MimeType, actx.FileName) {
			return deny(capability, fmt.Sprintf("file type not permitted for %s", actx.FileName))
		}
	}
	return allow(capability)
}

func enforceGitHub(p *policy.GitHubPolicy, capability policy.Capability, action string, actx derive.ActionContext) Result {
	if _, unscoped := repoUnscopedActions[action]; unscoped {
		return allow(capability)
	}
	if !p.Repos.Configured() {
		return allow(capability)
	}
	if actx.RepoOwner == "" || actx.RepoName == "" {
		return deny(capability, "target repository could not be resolved")
	}
	full := actx.RepoOwner + "/" + actx.RepoName
	matched := RepoMatches(p.Repos, actx.RepoOwner, full)
	if p.Repos.Mode == policy.ListModeAllowlist && !matched {
		return deny(capability, fmt.Sprintf("repo %s not in allowlist", full))
	}
	if p.Repos.Mode == policy.ListModeBlocklist && matched {
		return deny(capability, fmt.Sprintf("repo %s is blocklisted", full))
	}
	return allow(capability)
}

func enforceChannels(filter policy.ChannelFilter, capability policy.Capability, action string, actx derive.ActionContext) Result {
	if _, scoped := channelScopedActions[action]; !scoped {
		return allow(capability)
	}
	if !filter.Configured() {
		return allow(capability)
	}
	if actx.ChannelID == "" && actx.ChannelName == "" {
		return deny(capability, "target channel could not be resolved")
	}
	matched := ChannelMatches(filter, actx.ChannelID, actx.ChannelName)
	if filter.Mode == policy.ListModeAllowlist && !matched {
		return deny(capability, fmt.Sprintf("channel %s not in allowlist", channelLabel(actx)))
	}
	if filter.Mode == policy.ListModeBlocklist && matched {
		return deny(capability, fmt.Sprintf("channel %s is blocklisted", channelLabel(actx)))
	}
	return allow(capability)
}

func enforceBrowser(p *policy.BrowserPolicy, capability policy.Capability, action string, actx derive.ActionContext) Result {
	if _, lifecycle := browserLifecycleActions[action]; lifecycle {
		return allow(capability)
	}
	if !p.URLs.Configured() {
		return allow(capability)
	}
	if actx.URL == "" {
		return deny(capability, "no target URL resolved from request")
	}
	matched := false
	for _, pattern := range p.URLs.Patterns {
		if GlobMatch(pattern, actx.URL) {
			matched = true
			break
		}
	}
	if p.URLs.Mode == policy.ListModeAllowlist && !matched {
		return deny(capability, fmt.Sprintf("url %s not in allowlist", actx.URL))
	}
	if p.URLs.Mode == policy.ListModeBlocklist && matched {
		return deny(capability, fmt.Sprintf("url %s is blocklisted", actx.URL))
	}
	return allow(capability)
}

func channelLabel(actx derive.ActionContext) string {
	if actx.ChannelID != "" {
		return actx.ChannelID
	}
	return actx.ChannelName
}

// addressMatches reports whether a recipient appears in the filter, by exact
// address or by domain.
func addressMatches(f policy.AddressFilter, r derive.Recipient) bool {
	for _, a := range f.Addresses {
		if strings.EqualFold(a, r.Address) {
			return true
		}
	}
	for _, d := range f.Domains {
		if strings.EqualFold(d, r.Domain) {
			return true
		}
	}
	return false
}

// RepoMatches reports whether owner or "owner/name" appears in a repo filter.
// Org entries match the owner exactly; repo entries are glob patterns over the
// full name. Shared with the response filter so list results and direct
// targets agree.
func RepoMatches(f policy.RepoFilter, owner, full string) bool {
	for _, org := range f.Orgs {
		if strings.EqualFold(org, owner) {
			return true
		}
	}
	for _, pattern := range f.Repos {
		if GlobMatch(pattern, full) {
			return true
		}
	}
	return false
}

// ChannelMatches checks a channel against a filter by id and by name, in both
// directions: an entry may name either form and the request may resolve either.
func ChannelMatches(f policy.ChannelFilter, id, name string) bool {
	name = strings.ToLower(strings.TrimPrefix(name, "#"))
	for _, e := range f.ChannelIDs {
		if e == id || (name != "" && strings.EqualFold(strings.TrimPrefix(e, "#"), name)) {
			return true
		}
	}
	for _, e := range f.ChannelNames {
		trimmed := strings.TrimPrefix(e, "#")
		if (name != "" && strings.EqualFold(trimmed, name)) || trimmed == id {
			return true
		}
	}
	return false
}

func fileTypeAllowed(f policy.FileTypeFilter, mimeType, fileName string) bool {
	for _, m := range f.MimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	ext := ""
	if i := strings.LastIndexByte(fileName, '.'); i >= 0 {
		ext = strings.ToLower(fileName[i+1:])
	}
	if ext != "" {
		for _, e := range f.Extensions {
			if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
				return true
			}
		}
	}
	return false
}

// GlobMatch matches s against pattern where '*' spans any run and '?' matches
// a single character. Matching is case-insensitive and anchored at both ends.
func GlobMatch(pattern, s string) bool {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
