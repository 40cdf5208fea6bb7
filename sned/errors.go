package sned

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/lmittmann/tint"
)

// CommandErrorKind identifies why command dispatch or execution failed.
// Failures are tagged at the point they occur, rather than classified by
// error type downstream, so classification is a plain switch.
type CommandErrorKind string

const (
	ErrKindBotMissingPermissions  CommandErrorKind = "bot_missing_permissions"
	ErrKindUserMissingPermissions CommandErrorKind = "user_missing_permissions"
	ErrKindTimeout                CommandErrorKind = "timeout"
	ErrKindCommandNotFound        CommandErrorKind = "command_not_found"
	ErrKindCommandOnCooldown      CommandErrorKind = "command_on_cooldown"
	ErrKindMissingArgument        CommandErrorKind = "missing_argument"
	ErrKindMaxConcurrencyReached  CommandErrorKind = "max_concurrency_reached"
	ErrKindMemberNotFound         CommandErrorKind = "member_not_found"
	ErrKindBadArgument            CommandErrorKind = "bad_argument"
	ErrKindTooManyArguments       CommandErrorKind = "too_many_arguments"
)

// CommandError is a tagged command failure. Kind determines the response
// category; the remaining fields fill the response templates.
type CommandError struct {
	Kind CommandErrorKind

	// CommandName is the resolved command, empty for CommandNotFound
	CommandName string

	// Invoked is the name the user actually typed
	Invoked string

	// Prefix the invocation used
	Prefix string

	// Usage hint for argument errors
	Usage string

	// RetryAfter is the remaining cooldown for CommandOnCooldown
	RetryAfter time.Duration

	// Detail is extra context shown to the user where the template
	// includes it
	Detail string

	// Err is the underlying cause, if any
	Err error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	if e.CommandName != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.CommandName)
	}
	return string(e.Kind)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	if e.CommandName != "" {
		attrs = append(attrs, slog.String("command", e.CommandName))
	}
	if e.Invoked != "" {
		attrs = append(attrs, slog.String("invoked", e.Invoked))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// ResponseCategory is the user-facing classification of a failure.
type ResponseCategory string

const (
	CategoryPermissionDenied ResponseCategory = "permission_denied"
	CategoryTimeout          ResponseCategory = "timeout"
	CategoryCommandNotFound  ResponseCategory = "command_not_found"
	CategoryRateLimited      ResponseCategory = "rate_limited"
	CategoryMissingArgument  ResponseCategory = "missing_argument"
	CategoryMaxConcurrency   ResponseCategory = "max_concurrency_reached"
	CategoryTargetNotFound   ResponseCategory = "target_not_found"
	CategoryBadArgument      ResponseCategory = "bad_argument"
	CategoryTooManyArguments ResponseCategory = "too_many_arguments"
	CategoryUnclassified     ResponseCategory = "unclassified"
)

// Response is the outbound payload selected for a failure. The messaging
// collaborator decides presentation; this only carries content.
type Response struct {
	Category    ResponseCategory
	Title       string
	Description string
	Color       int
	Footer      string

	// Silent suppresses the user-facing reply entirely (unmatched
	// commands with no suggestion, when the generic fallback is disabled)
	Silent bool
}

// Messages holds the response templates and colors. It's passed explicitly
// to the Classifier instead of living as mutable process-wide state.
type Messages struct {
	ErrorColor   int
	WarnColor    int
	UnknownColor int
	EmbedBlue    int
	EmbedGreen   int
	MiscColor    int

	TimeoutTitle       string
	TimeoutDescription string

	CooldownTitle       string
	CooldownDescription string

	CheckFailTitle       string
	CheckFailDescription string

	BotMissingPermsTitle       string
	BotMissingPermsDescription string

	MissingArgumentTitle       string
	MissingArgumentDescription string

	MaxConcurrencyTitle       string
	MaxConcurrencyDescription string

	MemberNotFoundTitle       string
	MemberNotFoundDescription string

	BadArgumentTitle       string
	BadArgumentDescription string

	TooManyArgumentsTitle       string
	TooManyArgumentsDescription string

	UnknownCommandTitle       string
	SuggestionDescription     string
	UnknownCommandDescription string

	RequestFooter string

	// InfoColor is used for non-error informational embeds (welcome
	// notice, prefix info)
	InfoColor int

	PrefixInfoTitle       string
	PrefixInfoDescription string

	WelcomeTitle       string
	WelcomeDescription string

	CancelledDescription string

	// ReplyOnUnknownCommand enables the generic unknown-command reply
	// when no close match is found
	ReplyOnUnknownCommand bool
}

// DefaultMessages returns the standard response templates.
func DefaultMessages() *Messages {
	return &Messages{
		ErrorColor:   0xff0000,
		WarnColor:    0xffcc4d,
		UnknownColor: 0xbe1931,
		EmbedBlue:    0x009dff,
		EmbedGreen:   0x77b255,
		MiscColor:    0xc2c2c2,

		TimeoutTitle:       "🕘 Error: Timed out",
		TimeoutDescription: "Your session has expired. Execute the command again!",

		CooldownTitle:       "🕘 Error: This command is on cooldown",
		CooldownDescription: "Please retry in: `%s`",

		CheckFailTitle: "❌ Error: Insufficient permissions",
		CheckFailDescription: "You did not meet the checks to execute this command. " +
			"This could also be caused by incorrect configuration.",

		BotMissingPermsTitle: "❌ Bot missing permissions",
		BotMissingPermsDescription: "The bot requires additional permissions to " +
			"execute this command.",

		MissingArgumentTitle:       "❌ Missing argument",
		MissingArgumentDescription: "One or more arguments are missing.\n__Usage:__ `%s%s %s`",

		MaxConcurrencyTitle: "❌ Error: Max concurrency reached!",
		MaxConcurrencyDescription: "You have reached the maximum amount of " +
			"instances for this command.",

		MemberNotFoundTitle: "❌ Cannot find user by that name",
		MemberNotFoundDescription: "Please check if you typed everything " +
			"correctly, then try again.",

		BadArgumentTitle:       "❌ Bad argument",
		BadArgumentDescription: "Invalid data entered! Check `%s%s %s` for proper usage.",

		TooManyArgumentsTitle: "❌ Too many arguments",
		TooManyArgumentsDescription: "You have provided more arguments than " +
			"what `%s%s` can take.",

		UnknownCommandTitle:       "❓ Unknown command!",
		SuggestionDescription:     "Did you mean `%s%s`?",
		UnknownCommandDescription: "Use `%shelp` for a list of available commands.",

		RequestFooter: "Requested by %s",

		InfoColor: 0xfec01d,

		PrefixInfoTitle:       "Beep Boop!",
		PrefixInfoDescription: "My prefixes on this server are the following: `%s`",

		WelcomeTitle: "Beep Boop!",
		WelcomeDescription: "I have been summoned to this server. " +
			"Use `%shelp` to see what I can do!",

		CancelledDescription: "Operation cancelled.",
	}
}

// Classifier maps failures to response categories. It holds its templates
// and the command registry (for suggestions) explicitly - no process-wide
// mutable state.
type Classifier struct {
	messages *Messages
	registry *CommandRegistry
	logger   *slog.Logger
}

func NewClassifier(
	messages *Messages,
	registry *CommandRegistry,
	log *slog.Logger,
) *Classifier {
	if messages == nil {
		messages = DefaultMessages()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		messages: messages,
		registry: registry,
		logger:   log.With(loggerNameKey, "classifier"),
	}
}

// Classify maps any failure to exactly one Response. Tagged kinds map to
// their user-facing category; everything else is Unclassified, which is
// logged here with full diagnostic detail and must be propagated by the
// caller - it is the only category that never disappears silently.
func (c *Classifier) Classify(ctx context.Context, err error, requestedBy string) Response {
	m := c.messages

	log := c.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		log = ctxLogger
	}

	cmdErr, ok := err.(*CommandError)
	if !ok {
		log.ErrorContext(
			ctx,
			"unclassified command error",
			tint.Err(err),
		)
		return Response{Category: CategoryUnclassified}
	}

	footer := ""
	if requestedBy != "" {
		footer = fmt.Sprintf(m.RequestFooter, requestedBy)
	}

	switch cmdErr.Kind {
	case ErrKindBotMissingPermissions:
		description := m.BotMissingPermsDescription
		if cmdErr.Detail != "" {
			description = fmt.Sprintf(
				"%s\n**Error:**```%s```",
				description,
				cmdErr.Detail,
			)
		}
		return Response{
			Category:    CategoryPermissionDenied,
			Title:       m.BotMissingPermsTitle,
			Description: description,
			Color:       m.ErrorColor,
			Footer:      footer,
		}
	case ErrKindUserMissingPermissions:
		// Deliberately generic: the reply never names the missing
		// capability.
		return Response{
			Category:    CategoryPermissionDenied,
			Title:       m.CheckFailTitle,
			Description: m.CheckFailDescription,
			Color:       m.ErrorColor,
			Footer:      footer,
		}
	case ErrKindTimeout:
		return Response{
			Category:    CategoryTimeout,
			Title:       m.TimeoutTitle,
			Description: m.TimeoutDescription,
			Color:       m.ErrorColor,
			Footer:      footer,
		}
	case ErrKindCommandNotFound:
		return c.classifyNotFound(cmdErr, footer)
	case ErrKindCommandOnCooldown:
		return Response{
			Category: CategoryRateLimited,
			Title:    m.CooldownTitle,
			Description: fmt.Sprintf(
				m.CooldownDescription,
				cmdErr.RetryAfter.Round(time.Second),
			),
			Color:  m.ErrorColor,
			Footer: footer,
		}
	case ErrKindMissingArgument:
		return Response{
			Category: CategoryMissingArgument,
			Title:    m.MissingArgumentTitle,
			Description: fmt.Sprintf(
				m.MissingArgumentDescription,
				cmdErr.Prefix,
				cmdErr.CommandName,
				cmdErr.Usage,
			),
			Color:  m.ErrorColor,
			Footer: footer,
		}
	case ErrKindMaxConcurrencyReached:
		return Response{
			Category:    CategoryMaxConcurrency,
			Title:       m.MaxConcurrencyTitle,
			Description: m.MaxConcurrencyDescription,
			Color:       m.ErrorColor,
			Footer:      footer,
		}
	case ErrKindMemberNotFound:
		description := m.MemberNotFoundDescription
		if cmdErr.Detail != "" {
			description = fmt.Sprintf(
				"%s\n**Error:**```%s```",
				description,
				cmdErr.Detail,
			)
		}
		return Response{
			Category:    CategoryTargetNotFound,
			Title:       m.MemberNotFoundTitle,
			Description: description,
			Color:       m.ErrorColor,
			Footer:      footer,
		}
	case ErrKindBadArgument:
		return Response{
			Category: CategoryBadArgument,
			Title:    m.BadArgumentTitle,
			Description: fmt.Sprintf(
				m.BadArgumentDescription,
				cmdErr.Prefix,
				cmdErr.CommandName,
				cmdErr.Usage,
			),
			Color:  m.ErrorColor,
			Footer: footer,
		}
	case ErrKindTooManyArguments:
		return Response{
			Category: CategoryTooManyArguments,
			Title:    m.TooManyArgumentsTitle,
			Description: fmt.Sprintf(
				m.TooManyArgumentsDescription,
				cmdErr.Prefix,
				cmdErr.CommandName,
			),
			Color:  m.ErrorColor,
			Footer: footer,
		}
	default:
		log.ErrorContext(
			ctx,
			"unclassified command error kind",
			"error", cmdErr,
		)
		return Response{Category: CategoryUnclassified}
	}
}

// classifyNotFound builds the unknown-command response, suggesting the
// closest registered command name (checked before aliases, like the
// original typo helper). With no close match the reply is silent unless
// the generic fallback is enabled.
func (c *Classifier) classifyNotFound(cmdErr *CommandError, footer string) Response {
	m := c.messages
	rv := Response{
		Category: CategoryCommandNotFound,
		Title:    m.UnknownCommandTitle,
		Color:    m.UnknownColor,
		Footer:   footer,
	}

	if c.registry != nil {
		if match, ok := closestMatch(cmdErr.Invoked, c.registry.VisibleNames()); ok {
			rv.Description = fmt.Sprintf(
				m.SuggestionDescription,
				cmdErr.Prefix,
				match,
			)
			return rv
		}
		if match, ok := closestMatch(cmdErr.Invoked, c.registry.VisibleAliases()); ok {
			rv.Description = fmt.Sprintf(
				m.SuggestionDescription,
				cmdErr.Prefix,
				match,
			)
			return rv
		}
	}

	if !m.ReplyOnUnknownCommand {
		rv.Silent = true
		return rv
	}
	rv.Description = fmt.Sprintf(m.UnknownCommandDescription, cmdErr.Prefix)
	return rv
}

// suggestionSimilarityCutoff matches the 0.6 ratio difflib uses.
const suggestionSimilarityCutoff = 0.6

// closestMatch returns the candidate most similar to the input, if any
// candidate clears the similarity cutoff.
func closestMatch(input string, candidates []string) (string, bool) {
	input = strings.ToLower(input)

	best := ""
	bestScore := 0.0
	for _, candidate := range candidates {
		score := similarity(input, strings.ToLower(candidate))
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	if bestScore >= suggestionSimilarityCutoff {
		return best, true
	}
	return "", false
}

func similarity(a string, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}
