// Package policy defines the versioned per-terminal capability documents and
// their datastore. A document is a tagged variant: exactly one provider
// policy struct is populated, and enforcement/filter code switches on the
// provider tag exhaustively so a new provider is a compile-forced update.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Provider string

const (
	ProviderGmail    Provider = "gmail"
	ProviderCalendar Provider = "calendar"
	ProviderDrive    Provider = "drive"
	ProviderGitHub   Provider = "github"
	ProviderSlack    Provider = "slack"
	ProviderTelegram Provider = "telegram"
	ProviderBrowser  Provider = "browser"
)

// Providers lists every supported provider in stable order.
func Providers() []Provider {
	return []Provider{
		ProviderGmail,
		ProviderCalendar,
		ProviderDrive,
		ProviderGitHub,
		ProviderSlack,
		ProviderTelegram,
		ProviderBrowser,
	}
}

func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case ProviderGmail, ProviderCalendar, ProviderDrive, ProviderGitHub, ProviderSlack, ProviderTelegram, ProviderBrowser:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", raw)
}

// RequiresOAuth reports whether the provider's executor needs a user OAuth
// access token. Slack uses a stored bot token, telegram is a message bridge,
// and browser drives a sandboxed browser; none of them route through the
// token manager.
func (p Provider) RequiresOAuth() bool {
	switch p {
	case ProviderGmail, ProviderCalendar, ProviderDrive, ProviderGitHub:
		return true
	case ProviderSlack, ProviderTelegram, ProviderBrowser:
		return false
	}
	return false
}

type SecurityLevel string

const (
	LevelRestricted SecurityLevel = "restricted"
	LevelElevated   SecurityLevel = "elevated"
	LevelFull       SecurityLevel = "full"
)

// Capability is a single named permission bit within a provider policy.
type Capability string

const (
	CapGmailRead    Capability = "gmail.read"
	CapGmailSearch  Capability = "gmail.search"
	CapGmailSend    Capability = "gmail.send"
	CapGmailDraft   Capability = "gmail.draft"
	CapGmailReply   Capability = "gmail.reply"
	CapGmailLabel   Capability = "gmail.label"
	CapGmailArchive Capability = "gmail.archive"
	CapGmailTrash   Capability = "gmail.trash"

	CapCalendarListCalendars Capability = "calendar.list_calendars"
	CapCalendarReadEvents    Capability = "calendar.read_events"
	CapCalendarCreateEvent   Capability = "calendar.create_event"
	CapCalendarUpdateEvent   Capability = "calendar.update_event"
	CapCalendarDeleteEvent   Capability = "calendar.delete_event"
	CapCalendarRespond       Capability = "calendar.respond"

	CapDriveList     Capability = "drive.list"
	CapDriveRead     Capability = "drive.read"
	CapDriveDownload Capability = "drive.download"
	CapDriveUpload   Capability = "drive.upload"
	CapDriveUpdate   Capability = "drive.update"
	CapDriveShare    Capability = "drive.share"
	CapDriveDelete   Capability = "drive.delete"

	CapGitHubReadRepo    Capability = "github.read_repo"
	CapGitHubSearch      Capability = "github.search"
	CapGitHubReadIssues  Capability = "github.read_issues"
	CapGitHubWriteIssues Capability = "github.write_issues"
	CapGitHubReadPRs     Capability = "github.read_prs"
	CapGitHubCreatePR    Capability = "github.create_pr"
	CapGitHubReviewPR    Capability = "github.review_pr"
	CapGitHubMergePR     Capability = "github.merge_pr"
	CapGitHubPush        Capability = "github.push"
	CapGitHubClone       Capability = "github.clone"

	CapSlackRead         Capability = "slack.read"
	CapSlackListChannels Capability = "slack.list_channels"
	CapSlackSend         Capability = "slack.send"
	CapSlackReact        Capability = "slack.react"
	CapSlackDM           Capability = "slack.dm"

	CapTelegramRead      Capability = "telegram.read"
	CapTelegramListChats Capability = "telegram.list_chats"
	CapTelegramSend      Capability = "telegram.send"

	CapBrowserNavigate   Capability = "browser.navigate"
	CapBrowserRead       Capability = "browser.read"
	CapBrowserInteract   Capability = "browser.interact"
	CapBrowserDownload   Capability = "browser.download"
	CapBrowserScreenshot Capability = "browser.screenshot"
)

// ListMode selects allow or block semantics for a structured filter. An
// empty mode means the filter is not configured.
type ListMode string

const (
	ListModeUnset     ListMode = ""
	ListModeAllowlist ListMode = "allowlist"
	ListModeBlocklist ListMode = "blocklist"
)

// AddressFilter matches email addresses and/or whole domains.
type AddressFilter struct {
	Mode      ListMode `json:"mode,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	Domains   []string `json:"domains,omitempty"`
}

func (f AddressFilter) Configured() bool { return f.Mode != ListModeUnset }

// RepoFilter matches repositories by owning org or by owner/name glob.
type RepoFilter struct {
	Mode  ListMode `json:"mode,omitempty"`
	Orgs  []string `json:"orgs,omitempty"`
	Repos []string `json:"repos,omitempty"`
}

func (f RepoFilter) Configured() bool { return f.Mode != ListModeUnset }

// CalendarFilter scopes calendar-bound actions. "primary" is an alias for
// the account's primary calendar id. Empty means all calendars.
type CalendarFilter struct {
	CalendarIDs []string `json:"calendarIds,omitempty"`
}

func (f CalendarFilter) Configured() bool { return len(f.CalendarIDs) > 0 }

// FolderFilter scopes file actions by target folder id.
type FolderFilter struct {
	Mode      ListMode `json:"mode,omitempty"`
	FolderIDs []string `json:"folderIds,omitempty"`
}

func (f FolderFilter) Configured() bool { return f.Mode != ListModeUnset }

// FileTypeFilter allowlists mime types and/or file extensions when set.
type FileTypeFilter struct {
	MimeTypes  []string `json:"mimeTypes,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
}

func (f FileTypeFilter) Configured() bool { return len(f.MimeTypes) > 0 || len(f.Extensions) > 0 }

// URLFilter matches URLs against glob patterns (* and ? wildcards only).
type URLFilter struct {
	Mode     ListMode `json:"mode,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

func (f URLFilter) Configured() bool { return f.Mode != ListModeUnset }

// ChannelFilter scopes chat actions by channel id or normalized name.
type ChannelFilter struct {
	Mode         ListMode `json:"mode,omitempty"`
	ChannelIDs   []string `json:"channelIds,omitempty"`
	ChannelNames []string `json:"channelNames,omitempty"`
}

func (f ChannelFilter) Configured() bool { return f.Mode != ListModeUnset }

// RateLimits carries numeric usage budgets. A nil field is "not configured"
// and falls back to the gateway default; an explicit 0 blocks the category.
type RateLimits struct {
	ReadsPerMinute   *int `json:"readsPerMinute,omitempty"`
	WritesPerMinute  *int `json:"writesPerMinute,omitempty"`
	SendsPerHour     *int `json:"sendsPerHour,omitempty"`
	SendsPerDay      *int `json:"sendsPerDay,omitempty"`
	DeletesPerHour   *int `json:"deletesPerHour,omitempty"`
	DownloadsPerHour *int `json:"downloadsPerHour,omitempty"`
	UploadsPerHour   *int `json:"uploadsPerHour,omitempty"`
}

type GmailPolicy struct {
	CanRead    bool `json:"canRead"`
	CanSearch  bool `json:"canSearch"`
	CanSend    bool `json:"canSend"`
	CanDraft   bool `json:"canDraft"`
	CanReply   bool `json:"canReply"`
	CanLabel   bool `json:"canLabel"`
	CanArchive bool `json:"canArchive"`
	CanTrash   bool `json:"canTrash"`

	// Recipients gates outbound sends; Senders filters what the terminal
	// may read back. AllowedLabels restricts readable messages by label.
	Recipients    AddressFilter `json:"recipients,omitempty"`
	Senders       AddressFilter `json:"senders,omitempty"`
	AllowedLabels []string      `json:"allowedLabels,omitempty"`
	Limits        RateLimits    `json:"limits,omitempty"`
}

type CalendarPolicy struct {
	CanListCalendars bool `json:"canListCalendars"`
	CanReadEvents    bool `json:"canReadEvents"`
	CanCreateEvent   bool `json:"canCreateEvent"`
	CanUpdateEvent   bool `json:"canUpdateEvent"`
	CanDeleteEvent   bool `json:"canDeleteEvent"`
	CanRespond       bool `json:"canRespond"`

	Calendars CalendarFilter `json:"calendars,omitempty"`
	Limits    RateLimits     `json:"limits,omitempty"`
}

type DrivePolicy struct {
	CanList     bool `json:"canList"`
	CanRead     bool `json:"canRead"`
	CanDownload bool `json:"canDownload"`
	CanUpload   bool `json:"canUpload"`
	CanUpdate   bool `json:"canUpdate"`
	CanShare    bool `json:"canShare"`
	CanDelete   bool `json:"canDelete"`

	Folders   FolderFilter   `json:"folders,omitempty"`
	FileTypes FileTypeFilter `json:"fileTypes,omitempty"`
	Limits    RateLimits     `json:"limits,omitempty"`
}

type GitHubPolicy struct {
	CanReadRepo    bool `json:"canReadRepo"`
	CanSearch      bool `json:"canSearch"`
	CanReadIssues  bool `json:"canReadIssues"`
	CanWriteIssues bool `json:"canWriteIssues"`
	CanReadPRs     bool `json:"canReadPRs"`
	CanCreatePR    bool `json:"canCreatePR"`
	CanReviewPR    bool `json:"canReviewPR"`
	CanMergePR     bool `json:"canMergePR"`
	CanPush        bool `json:"canPush"`
	CanClone       bool `json:"canClone"`

	Repos  RepoFilter `json:"repos,omitempty"`
	Limits RateLimits `json:"limits,omitempty"`
}

type SlackPolicy struct {
	CanRead         bool `json:"canRead"`
	CanListChannels bool `json:"canListChannels"`
	CanSend         bool `json:"canSend"`
	CanReact        bool `json:"canReact"`
	CanDM           bool `json:"canDM"`

	Channels ChannelFilter `json:"channels,omitempty"`
	Limits   RateLimits    `json:"limits,omitempty"`
}

type TelegramPolicy struct {
	CanRead      bool `json:"canRead"`
	CanListChats bool `json:"canListChats"`
	CanSend      bool `json:"canSend"`

	Channels ChannelFilter `json:"channels,omitempty"`
	Limits   RateLimits    `json:"limits,omitempty"`
}

type BrowserPolicy struct {
	CanNavigate   bool `json:"canNavigate"`
	CanRead       bool `json:"canRead"`
	CanInteract   bool `json:"canInteract"`
	CanDownload   bool `json:"canDownload"`
	CanScreenshot bool `json:"canScreenshot"`

	URLs   URLFilter  `json:"urls,omitempty"`
	Limits RateLimits `json:"limits,omitempty"`
}

// Document is the tagged variant holding exactly one provider policy.
type Document struct {
	Provider Provider `json:"provider"`

	Gmail    *GmailPolicy    `json:"gmail,omitempty"`
	Calendar *CalendarPolicy `json:"calendar,omitempty"`
	Drive    *DrivePolicy    `json:"drive,omitempty"`
	GitHub   *GitHubPolicy   `json:"github,omitempty"`
	Slack    *SlackPolicy    `json:"slack,omitempty"`
	Telegram *TelegramPolicy `json:"telegram,omitempty"`
	Browser  *BrowserPolicy  `json:"browser,omitempty"`
}

// Validate checks that the provider tag matches the populated variant and
// that exactly one variant is set.
func (d Document) Validate() error {
	set := 0
	if d.Gmail != nil {
		set++
	}
	if d.Calendar != nil {
		set++
	}
	if d.Drive != nil {
		set++
	}
	if d.GitHub != nil {
		set++
	}
	if d.Slack != nil {
		set++
	}
	if d.Telegram != nil {
		set++
	}
	if d.Browser != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("document must populate exactly one provider policy, got %d", set)
	}
	var tagged bool
	switch d.Provider {
	case ProviderGmail:
		tagged = d.Gmail != nil
	case ProviderCalendar:
		tagged = d.Calendar != nil
	case ProviderDrive:
		tagged = d.Drive != nil
	case ProviderGitHub:
		tagged = d.GitHub != nil
	case ProviderSlack:
		tagged = d.Slack != nil
	case ProviderTelegram:
		tagged = d.Telegram != nil
	case ProviderBrowser:
		tagged = d.Browser != nil
	default:
		return fmt.Errorf("unknown provider %q", d.Provider)
	}
	if !tagged {
		return fmt.Errorf("provider tag %q does not match populated policy", d.Provider)
	}
	if err := validateFilterModes(d); err != nil {
		return err
	}
	return nil
}

func validateFilterModes(d Document) error {
	check := func(name string, mode ListMode) error {
		switch mode {
		case ListModeUnset, ListModeAllowlist, ListModeBlocklist:
			return nil
		}
		return fmt.Errorf("%s: invalid filter mode %q", name, mode)
	}
	switch d.Provider {
	case ProviderGmail:
		if err := check("recipients", d.Gmail.Recipients.Mode); err != nil {
			return err
		}
		return check("senders", d.Gmail.Senders.Mode)
	case ProviderGitHub:
		return check("repos", d.GitHub.Repos.Mode)
	case ProviderDrive:
		return check("folders", d.Drive.Folders.Mode)
	case ProviderBrowser:
		return check("urls", d.Browser.URLs.Mode)
	case ProviderSlack:
		return check("channels", d.Slack.Channels.Mode)
	case ProviderTelegram:
		return check("channels", d.Telegram.Channels.Mode)
	case ProviderCalendar:
		return nil
	}
	return nil
}

// CapabilityEnabled reports whether the named permission bit is true in
// this document. Unknown capabilities are false: fail-closed.
func (d Document) CapabilityEnabled(capability Capability) bool {
	switch d.Provider {
	case ProviderGmail:
		if d.Gmail == nil {
			return false
		}
		switch capability {
		case CapGmailRead:
			return d.Gmail.CanRead
		case CapGmailSearch:
			return d.Gmail.CanSearch
		case CapGmailSend:
			return d.Gmail.CanSend
		case CapGmailDraft:
			return d.Gmail.CanDraft
		case CapGmailReply:
			return d.Gmail.CanReply
		case CapGmailLabel:
			return d.Gmail.CanLabel
		case CapGmailArchive:
			return d.Gmail.CanArchive
		case CapGmailTrash:
			return d.Gmail.CanTrash
		}
	case ProviderCalendar:
		if d.Calendar == nil {
			return false
		}
		switch capability {
		case CapCalendarListCalendars:
			return d.Calendar.CanListCalendars
		case CapCalendarReadEvents:
			return d.Calendar.CanReadEvents
		case CapCalendarCreateEvent:
			return d.Calendar.CanCreateEvent
		case CapCalendarUpdateEvent:
			return d.Calendar.CanUpdateEvent
		case CapCalendarDeleteEvent:
			return d.Calendar.CanDeleteEvent
		case CapCalendarRespond:
			return d.Calendar.CanRespond
		}
	case ProviderDrive:
		if d.Drive == nil {
			return false
		}
		switch capability {
		case CapDriveList:
			return d.Drive.CanList
		case CapDriveRead:
			return d.Drive.CanRead
		case CapDriveDownload:
			return d.Drive.CanDownload
		case CapDriveUpload:
			return d.Drive.CanUpload
		case CapDriveUpdate:
			return d.Drive.CanUpdate
		case CapDriveShare:
			return d.Drive.CanShare
		case CapDriveDelete:
			return d.Drive.CanDelete
		}
	case ProviderGitHub:
		if d.GitHub == nil {
			return false
		}
		switch capability {
		case CapGitHubReadRepo:
			return d.GitHub.CanReadRepo
		case CapGitHubSearch:
			return d.GitHub.CanSearch
		case CapGitHubReadIssues:
			return d.GitHub.CanReadIssues
		case CapGitHubWriteIssues:
			return d.GitHub.CanWriteIssues
		case CapGitHubReadPRs:
			return d.GitHub.CanReadPRs
		case CapGitHubCreatePR:
			return d.GitHub.CanCreatePR
		case CapGitHubReviewPR:
			return d.GitHub.CanReviewPR
		case CapGitHubMergePR:
			return d.GitHub.CanMergePR
		case CapGitHubPush:
			return d.GitHub.CanPush
		case CapGitHubClone:
			return d.GitHub.CanClone
		}
	case ProviderSlack:
		if d.Slack == nil {
			return false
		}
		switch capability {
		case CapSlackRead:
			return d.Slack.CanRead
		case CapSlackListChannels:
			return d.Slack.CanListChannels
		case CapSlackSend:
			return d.Slack.CanSend
		case CapSlackReact:
			return d.Slack.CanReact
		case CapSlackDM:
			return d.Slack.CanDM
		}
	case ProviderTelegram:
		if d.Telegram == nil {
			return false
		}
		switch capability {
		case CapTelegramRead:
			return d.Telegram.CanRead
		case CapTelegramListChats:
			return d.Telegram.CanListChats
		case CapTelegramSend:
			return d.Telegram.CanSend
		}
	case ProviderBrowser:
		if d.Browser == nil {
			return false
		}
		switch capability {
		case CapBrowserNavigate:
			return d.Browser.CanNavigate
		case CapBrowserRead:
			return d.Browser.CanRead
		case CapBrowserInteract:
			return d.Browser.CanInteract
		case CapBrowserDownload:
			return d.Browser.CanDownload
		case CapBrowserScreenshot:
			return d.Browser.CanScreenshot
		}
	}
	return false
}

// Limits returns the configured rate limits for the populated variant.
func (d Document) Limits() RateLimits {
	switch d.Provider {
	case ProviderGmail:
		if d.Gmail != nil {
			return d.Gmail.Limits
		}
	case ProviderCalendar:
		if d.Calendar != nil {
			return d.Calendar.Limits
		}
	case ProviderDrive:
		if d.Drive != nil {
			return d.Drive.Limits
		}
	case ProviderGitHub:
		if d.GitHub != nil {
			return d.GitHub.Limits
		}
	case ProviderSlack:
		if d.Slack != nil {
			return d.Slack.Limits
		}
	case ProviderTelegram:
		if d.Telegram != nil {
			return d.Telegram.Limits
		}
	case ProviderBrowser:
		if d.Browser != nil {
			return d.Browser.Limits
		}
	}
	return RateLimits{}
}

func (d Document) capabilityBits() (mutating []bool, all []bool, filtered bool) {
	switch d.Provider {
	case ProviderGmail:
		p := d.Gmail
		mutating = []bool{p.CanSend, p.CanDraft, p.CanReply, p.CanLabel, p.CanArchive, p.CanTrash}
		all = append([]bool{p.CanRead, p.CanSearch}, mutating...)
		filtered = p.Recipients.Configured() || p.Senders.Configured() || len(p.AllowedLabels) > 0
	case ProviderCalendar:
		p := d.Calendar
		mutating = []bool{p.CanCreateEvent, p.CanUpdateEvent, p.CanDeleteEvent, p.CanRespond}
		all = append([]bool{p.CanListCalendars, p.CanReadEvents}, mutating...)
		filtered = p.Calendars.Configured()
	case ProviderDrive:
		p := d.Drive
		mutating = []bool{p.CanUpload, p.CanUpdate, p.CanShare, p.CanDelete}
		all = append([]bool{p.CanList, p.CanRead, p.CanDownload}, mutating...)
		filtered = p.Folders.Configured() || p.FileTypes.Configured()
	case ProviderGitHub:
		p := d.GitHub
		mutating = []bool{p.CanWriteIssues, p.CanCreatePR, p.CanReviewPR, p.CanMergePR, p.CanPush}
		all = append([]bool{p.CanReadRepo, p.CanSearch, p.CanReadIssues, p.CanReadPRs, p.CanClone}, mutating...)
		filtered = p.Repos.Configured()
	case ProviderSlack:
		p := d.Slack
		mutating = []bool{p.CanSend, p.CanReact, p.CanDM}
		all = append([]bool{p.CanRead, p.CanListChannels}, mutating...)
		filtered = p.Channels.Configured()
	case ProviderTelegram:
		p := d.Telegram
		mutating = []bool{p.CanSend}
		all = append([]bool{p.CanRead, p.CanListChats}, mutating...)
		filtered = p.Channels.Configured()
	case ProviderBrowser:
		p := d.Browser
		mutating = []bool{p.CanNavigate, p.CanInteract, p.CanDownload}
		all = append([]bool{p.CanRead, p.CanScreenshot}, mutating...)
		filtered = p.URLs.Configured()
	}
	return mutating, all, filtered
}

// SecurityLevel derives the coarse posture of a document: restricted when no
// mutating capability is enabled, full when every capability is enabled with
// no structured filter configured, elevated otherwise.
func (d Document) SecurityLevel() SecurityLevel {
	if err := d.Validate(); err != nil {
		return LevelRestricted
	}
	mutating, all, filtered := d.capabilityBits()
	anyMutating := false
	for _, b := range mutating {
		if b {
			anyMutating = true
			break
		}
	}
	if !anyMutating {
		return LevelRestricted
	}
	if !filtered {
		allOn := true
		for _, b := range all {
			if !b {
				allOn = false
				break
			}
		}
		if allOn {
			return LevelFull
		}
	}
	return LevelElevated
}

// Marshal serializes the document for storage.
func (d Document) Marshal() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// UnmarshalDocument parses a stored document and validates its shape.
func UnmarshalDocument(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, err
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}
