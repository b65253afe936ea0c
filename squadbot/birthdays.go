package squadbot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
)

// BirthdayEntry is an immutable (name, month, day) triple loaded from
// configuration at startup.
type BirthdayEntry struct {
	Name  string `json:"name" mapstructure:"name" binding:"required"`
	Month int    `json:"month" mapstructure:"month" binding:"required,min=1,max=12"`
	Day   int    `json:"day" mapstructure:"day" binding:"required,min=1,max=31"`
}

// UpcomingBirthday groups the entries falling on a single future date.
type UpcomingBirthday struct {
	Date      time.Time       `json:"date"`
	DaysUntil int             `json:"days_until"`
	Birthdays []BirthdayEntry `json:"birthdays"`
}

// BirthdayCountdown is a BirthdayEntry annotated with its next occurrence.
type BirthdayCountdown struct {
	BirthdayEntry
	NextDate  time.Time `json:"next_date"`
	DaysUntil int       `json:"days_until"`
}

// BirthdayRegistry answers date queries over the static birthday list.
// All query methods are pure given "now" - no I/O, no clock reads.
type BirthdayRegistry struct {
	entries []BirthdayEntry
}

// NewBirthdayRegistry copies the given entries into a registry. The list
// is never mutated afterward.
func NewBirthdayRegistry(entries []BirthdayEntry) *BirthdayRegistry {
	copied := make([]BirthdayEntry, len(entries))
	copy(copied, entries)
	return &BirthdayRegistry{entries: copied}
}

// Entries returns the full birthday list in configuration order.
func (r *BirthdayRegistry) Entries() []BirthdayEntry {
	out := make([]BirthdayEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Today returns the entries whose (month, day) match the given time.
func (r *BirthdayRegistry) Today(now time.Time) []BirthdayEntry {
	return r.onDate(int(now.Month()), now.Day())
}

func (r *BirthdayRegistry) onDate(month int, day int) []BirthdayEntry {
	var matches []BirthdayEntry
	for _, e := range r.entries {
		if e.Month == month && e.Day == day {
			matches = append(matches, e)
		}
	}
	return matches
}

// Upcoming collects the birthdays falling within the next `days` days,
// starting at offset 0 (today). Offsets with no matching entry are
// skipped; offset order is preserved.
func (r *BirthdayRegistry) Upcoming(now time.Time, days int) []UpcomingBirthday {
	var upcoming []UpcomingBirthday
	for offset := 0; offset < days; offset++ {
		date := now.AddDate(0, 0, offset)
		matches := r.onDate(int(date.Month()), date.Day())
		if len(matches) == 0 {
			continue
		}
		upcoming = append(
			upcoming, UpcomingBirthday{
				Date:      date,
				DaysUntil: offset,
				Birthdays: matches,
			},
		)
	}
	return upcoming
}

// SortedByNextOccurrence returns every entry annotated with its next
// occurrence, sorted ascending by days-until. A birthday falling on the
// given day counts as zero days until, not a year out. Ties keep the
// original list order (stable sort).
func (r *BirthdayRegistry) SortedByNextOccurrence(now time.Time) []BirthdayCountdown {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	countdowns := make([]BirthdayCountdown, 0, len(r.entries))
	for _, e := range r.entries {
		next := time.Date(
			now.Year(), time.Month(e.Month), e.Day,
			0, 0, 0, 0, now.Location(),
		)
		if next.Before(today) {
			next = next.AddDate(1, 0, 0)
		}
		countdowns = append(
			countdowns, BirthdayCountdown{
				BirthdayEntry: e,
				NextDate:      next,
				DaysUntil:     daysBetween(today, next),
			},
		)
	}
	sort.SliceStable(
		countdowns, func(i, j int) bool {
			return countdowns[i].DaysUntil < countdowns[j].DaysUntil
		},
	)
	return countdowns
}

// daysBetween counts whole calendar days between two dates. Both are
// reduced to UTC midnights first, so a DST transition inside the span
// can't shorten a day.
func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f) / (24 * time.Hour))
}

// birthdayMessage renders the notification text sent to the guild's
// notification channel for a single birthday person.
func birthdayMessage(name string) string {
	return fmt.Sprintf(
		"\U0001F389\U0001F382 **HAPPY BIRTHDAY %s!** \U0001F382\U0001F389\n\nHave an amazing day! \U0001F973",
		strings.ToUpper(name),
	)
}

// BirthdayNotifier sends birthday announcements to the configured
// notification channel, on a daily cron schedule or on demand via the
// API trigger.
type BirthdayNotifier struct {
	registry  *BirthdayRegistry
	session   DiscordSessionHandler
	channelID string
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewBirthdayNotifier wires the registry to a discord session. channelID
// may be empty, in which case Notify reports an error and the scheduler
// only logs.
func NewBirthdayNotifier(
	registry *BirthdayRegistry,
	session DiscordSessionHandler,
	channelID string,
	logger *slog.Logger,
) *BirthdayNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BirthdayNotifier{
		registry:  registry,
		session:   session,
		channelID: channelID,
		logger:    logger.With(loggerNameKey, "birthday_notifier"),
	}
}

// Notify sends one announcement per birthday person for the given day.
// Individual send failures are logged and do not stop the remaining
// announcements. Returns the announced entries.
func (n *BirthdayNotifier) Notify(_ context.Context, now time.Time) (
	[]BirthdayEntry,
	error,
) {
	if n.channelID == "" {
		return nil, fmt.Errorf("birthday notification channel not configured")
	}
	today := n.registry.Today(now)
	if len(today) == 0 {
		n.logger.Info("no birthdays today")
		return today, nil
	}
	for _, entry := range today {
		_, err := n.session.ChannelMessageSend(
			n.channelID,
			birthdayMessage(entry.Name),
		)
		if err != nil {
			n.logger.Error(
				"unable to send birthday notification",
				tint.Err(err),
				"name", entry.Name,
			)
			continue
		}
		n.logger.Info("sent birthday notification", "name", entry.Name)
	}
	return today, nil
}

// Start schedules the daily birthday check using the given cron
// expression, evaluated in the given timezone. The returned stop function
// halts the scheduler and waits for any running job.
func (n *BirthdayNotifier) Start(
	ctx context.Context,
	schedule string,
	timezone string,
) (func(), error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid birthday timezone %q: %w", timezone, err)
	}
	c := cron.New(cron.WithLocation(location))
	entryID, err := c.AddFunc(
		schedule, func() {
			n.logger.Info("running scheduled birthday check")
			if n.channelID == "" {
				n.logger.Warn("birthday notification channel not configured")
				return
			}
			if _, notifyErr := n.Notify(ctx, time.Now().In(location)); notifyErr != nil {
				n.logger.Error("scheduled birthday check failed", tint.Err(notifyErr))
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid birthday schedule %q: %w", schedule, err)
	}
	c.Start()
	n.cron = c
	n.logger.Info(
		"birthday check scheduled",
		"schedule", schedule,
		"timezone", timezone,
		"entry_id", entryID,
	)
	return func() { <-c.Stop().Done() }, nil
}
