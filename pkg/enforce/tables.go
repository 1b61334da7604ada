package enforce

import "conduit/pkg/policy"

// actionCapability is the static per-provider action table. An action absent
// from its provider's table is always denied, whatever the policy says.
var actionCapability = map[policy.Provider]map[string]policy.Capability{
	policy.ProviderGmail: {
		"list_messages":   policy.CapGmailRead,
		"get_message":     policy.CapGmailRead,
		"get_thread":      policy.CapGmailRead,
		"list_labels":     policy.CapGmailRead,
		"search_messages": policy.CapGmailSearch,
		"send_message":    policy.CapGmailSend,
		"create_draft":    policy.CapGmailDraft,
		"reply":           policy.CapGmailReply,
		"add_label":       policy.CapGmailLabel,
		"remove_label":    policy.CapGmailLabel,
		"archive_message": policy.CapGmailArchive,
		"trash_message":   policy.CapGmailTrash,
	},
	policy.ProviderCalendar: {
		"list_calendars":   policy.CapCalendarListCalendars,
		"list_events":      policy.CapCalendarReadEvents,
		"get_event":        policy.CapCalendarReadEvents,
		"create_event":     policy.CapCalendarCreateEvent,
		"update_event":     policy.CapCalendarUpdateEvent,
		"delete_event":     policy.CapCalendarDeleteEvent,
		"respond_to_event": policy.CapCalendarRespond,
	},
	policy.ProviderDrive: {
		"list_files":    policy.CapDriveList,
		"search_files":  policy.CapDriveList,
		"get_file":      policy.CapDriveRead,
		"download_file": policy.CapDriveDownload,
		"upload_file":   policy.CapDriveUpload,
		"create_folder": policy.CapDriveUpload,
		"update_file":   policy.CapDriveUpdate,
		"share_file":    policy.CapDriveShare,
		"delete_file":   policy.CapDriveDelete,
	},
	policy.ProviderGitHub: {
		"get_repo":      policy.CapGitHubReadRepo,
		"list_repos":    policy.CapGitHubReadRepo,
		"search_repos":  policy.CapGitHubSearch,
		"search_code":   policy.CapGitHubSearch,
		"list_issues":   policy.CapGitHubReadIssues,
		"get_issue":     policy.CapGitHubReadIssues,
		"create_issue":  policy.CapGitHubWriteIssues,
		"comment_issue": policy.CapGitHubWriteIssues,
		"close_issue":   policy.CapGitHubWriteIssues,
		"list_prs":      policy.CapGitHubReadPRs,
		"get_pr":        policy.CapGitHubReadPRs,
		"create_pr":     policy.CapGitHubCreatePR,
		"review_pr":     policy.CapGitHubReviewPR,
		"merge_pr":      policy.CapGitHubMergePR,
		"push_commit":   policy.CapGitHubPush,
		"clone_repo":    policy.CapGitHubClone,
	},
	policy.ProviderSlack: {
		"list_channels": policy.CapSlackListChannels,
		"read_messages": policy.CapSlackRead,
		"get_thread":    policy.CapSlackRead,
		"list_users":    policy.CapSlackRead,
		"post_message":  policy.CapSlackSend,
		"reply_thread":  policy.CapSlackSend,
		"add_reaction":  policy.CapSlackReact,
		"send_dm":       policy.CapSlackDM,
	},
	policy.ProviderTelegram: {
		"list_chats":    policy.CapTelegramListChats,
		"read_messages": policy.CapTelegramRead,
		"send_message":  policy.CapTelegramSend,
		"reply":         policy.CapTelegramSend,
	},
	policy.ProviderBrowser: {
		"navigate":    policy.CapBrowserNavigate,
		"read_page":   policy.CapBrowserRead,
		"get_content": policy.CapBrowserRead,
		"click":       policy.CapBrowserInteract,
		"fill":        policy.CapBrowserInteract,
		"screenshot":  policy.CapBrowserScreenshot,
		"download":    policy.CapBrowserDownload,
		"go_back":     policy.CapBrowserNavigate,
		"close_tab":   policy.CapBrowserNavigate,
	},
}

// highRiskCapabilities require a recorded user confirmation before use.
var highRiskCapabilities = map[policy.Capability]struct{}{
	policy.CapGmailSend:           {},
	policy.CapGitHubMergePR:       {},
	policy.CapGitHubPush:          {},
	policy.CapDriveShare:          {},
	policy.CapDriveDelete:         {},
	policy.CapCalendarDeleteEvent: {},
	policy.CapSlackDM:             {},
}

// sendActions carry recipients that must pass the recipient filter in full.
var sendActions = map[string]struct{}{
	"send_message": {},
	"reply":        {},
	"create_draft": {},
}

// calendarUnscopedActions touch no specific calendar and skip calendar scoping.
var calendarUnscopedActions = map[string]struct{}{
	"list_calendars": {},
}

// driveCreateActions are checked against folder/file-type filters at request
// time; mutations of existing resources are covered by the metadata precheck.
var driveCreateActions = map[string]struct{}{
	"upload_file":   {},
	"create_folder": {},
}

// repoUnscopedActions have no single target repo; their results are filtered
// post-call instead.
var repoUnscopedActions = map[string]struct{}{
	"list_repos":   {},
	"search_repos": {},
	"search_code":  {},
}

// channelScopedActions target one channel/chat and are subject to channel
// scoping. DMs target a user and are gated by their own capability.
var channelScopedActions = map[string]struct{}{
	"read_messages": {},
	"get_thread":    {},
	"post_message":  {},
	"reply_thread":  {},
	"add_reaction":  {},
	"send_message":  {},
	"reply":         {},
}

// browserLifecycleActions touch no URL and are exempt from the URL filter.
var browserLifecycleActions = map[string]struct{}{
	"go_back":    {},
	"close_tab":  {},
	"screenshot": {},
}

// CapabilityFor resolves the capability an action maps to. ok is false for
// unknown providers or actions.
func CapabilityFor(provider policy.Provider, action string) (policy.Capability, bool) {
	table, ok := actionCapability[provider]
	if !ok {
		return "", false
	}
	capability, ok := table[action]
	return capability, ok
}

// IsHighRisk reports whether the capability needs a prior user confirmation.
func IsHighRisk(capability policy.Capability) bool {
	_, ok := highRiskCapabilities[capability]
	return ok
}
