package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMinIntervalMinutes is the minimum spacing between two send
	// times on the same day unless the planner is configured otherwise.
	DefaultMinIntervalMinutes = 30

	// maxScanDays bounds the forward scan in NextOccurrence so a settings
	// value whose date range never yields an eligible day cannot loop
	// forever. 370 covers a full year plus leap slack.
	maxScanDays = 370
)

var clockRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Settings holds the recurring daily send-window configuration of a campaign.
// SendTimes are 24h "HH:MM" strings kept sorted ascending; OffDays use Go's
// weekday numbering (0 = Sunday). StartDate and EndDate, when set, bound the
// range of eligible days inclusive and are compared by civil date.
type Settings struct {
	SendTimes []string   `json:"send_times" yaml:"send_times"`
	OffDays   []int      `json:"off_days" yaml:"off_days"`
	Timezone  string     `json:"timezone" yaml:"timezone"`
	StartDate *time.Time `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty" yaml:"end_date,omitempty"`
}

// Clone returns a deep copy so edits never alias the caller's slices.
func (s Settings) Clone() Settings {
	out := s
	out.SendTimes = append([]string(nil), s.SendTimes...)
	out.OffDays = append([]int(nil), s.OffDays...)
	if s.StartDate != nil {
		d := *s.StartDate
		out.StartDate = &d
	}
	if s.EndDate != nil {
		d := *s.EndDate
		out.EndDate = &d
	}
	return out
}

// Planner validates Settings and computes dispatch occurrences.
type Planner struct {
	minIntervalMinutes int
}

// NewPlanner creates a planner. minIntervalMinutes <= 0 selects the default.
func NewPlanner(minIntervalMinutes int) *Planner {
	if minIntervalMinutes <= 0 {
		minIntervalMinutes = DefaultMinIntervalMinutes
	}
	return &Planner{minIntervalMinutes: minIntervalMinutes}
}

// MinInterval returns the configured minimum spacing between send times.
func (p *Planner) MinInterval() time.Duration {
	return time.Duration(p.minIntervalMinutes) * time.Minute
}

// Validate checks a full Settings value. It returns the first violation found;
// nil means the settings may be committed.
func (p *Planner) Validate(s Settings) error {
	if len(s.SendTimes) == 0 {
		return ErrNoSendTimes
	}

	minutes := make([]int, 0, len(s.SendTimes))
	seen := make(map[int]bool, len(s.SendTimes))
	for _, t := range s.SendTimes {
		m, err := parseClock(t)
		if err != nil {
			return err
		}
		if seen[m] {
			return fmt.Errorf("%w: %s", ErrDuplicateSendTime, t)
		}
		seen[m] = true
		minutes = append(minutes, m)
	}

	// Pairwise minutes-of-day distance. Sorted, so checking neighbours is
	// sufficient; the window does not wrap across midnight.
	sort.Ints(minutes)
	for i := 1; i < len(minutes); i++ {
		if minutes[i]-minutes[i-1] < p.minIntervalMinutes {
			return fmt.Errorf("%w: need %d minutes between times", ErrSendTimesTooClose, p.minIntervalMinutes)
		}
	}

	seenDay := make(map[int]bool, len(s.OffDays))
	for _, d := range s.OffDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: %d", ErrInvalidOffDay, d)
		}
		if seenDay[d] {
			return fmt.Errorf("%w: %d", ErrDuplicateOffDay, d)
		}
		seenDay[d] = true
	}
	if len(seenDay) >= 7 {
		return ErrAllDaysOff
	}

	if s.StartDate != nil && s.EndDate != nil && civilAfter(*s.StartDate, *s.EndDate) {
		return ErrDateRangeInverted
	}

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownTimezone, s.Timezone)
	}

	return nil
}

// NextOccurrence computes the next UTC instant strictly after from at which
// the settings permit a dispatch. The second return is false when no eligible
// day exists within the scan bound or the date range has fully elapsed.
//
// Send times falling inside a spring-forward DST gap shift forward past the
// gap; times landing in a fall-back overlap resolve to the first (earlier)
// occurrence. Both follow time.Date normalization for the configured zone.
func (p *Planner) NextOccurrence(s Settings, from time.Time) (time.Time, bool) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, false
	}

	sorted := append([]string(nil), s.SendTimes...)
	sort.Slice(sorted, func(i, j int) bool {
		mi, _ := parseClock(sorted[i])
		mj, _ := parseClock(sorted[j])
		return mi < mj
	})

	offDays := make(map[time.Weekday]bool, len(s.OffDays))
	for _, d := range s.OffDays {
		offDays[time.Weekday(d)] = true
	}

	local := from.In(loc)
	year, month, day := local.Date()

	for i := 0; i <= maxScanDays; i++ {
		// Civil-date arithmetic: build each candidate day from the base
		// date so a DST transition cannot skip or double a day.
		dayStart := time.Date(year, month, day+i, 0, 0, 0, 0, loc)

		// Date bounds are civil dates: compare year/month/day as stored,
		// never converting the bound across zones.
		if s.EndDate != nil && civilAfter(dayStart, *s.EndDate) {
			return time.Time{}, false
		}
		if s.StartDate != nil && civilAfter(*s.StartDate, dayStart) {
			continue
		}
		if offDays[dayStart.Weekday()] {
			continue
		}

		y, m, d := dayStart.Date()
		for _, clock := range sorted {
			mins, err := parseClock(clock)
			if err != nil {
				continue
			}
			candidate := time.Date(y, m, d, mins/60, mins%60, 0, 0, loc)
			if candidate.After(from) {
				return candidate.UTC(), true
			}
		}
	}

	return time.Time{}, false
}

// AddSendTime returns settings with t added. The whole edit is rejected and
// the original settings returned when the result would be invalid.
func (p *Planner) AddSendTime(s Settings, t string) (Settings, error) {
	next := s.Clone()
	next.SendTimes = append(next.SendTimes, t)
	sortSendTimes(next.SendTimes)
	if err := p.Validate(next); err != nil {
		return s, err
	}
	return next, nil
}

// UpdateSendTime replaces oldTime with newTime, re-validating the full set.
func (p *Planner) UpdateSendTime(s Settings, oldTime, newTime string) (Settings, error) {
	idx := indexOf(s.SendTimes, oldTime)
	if idx < 0 {
		return s, fmt.Errorf("%w: %s", ErrSendTimeNotFound, oldTime)
	}
	next := s.Clone()
	next.SendTimes[idx] = newTime
	sortSendTimes(next.SendTimes)
	if err := p.Validate(next); err != nil {
		return s, err
	}
	return next, nil
}

// RemoveSendTime removes t. Removing the last send time is rejected since an
// empty set can never dispatch.
func (p *Planner) RemoveSendTime(s Settings, t string) (Settings, error) {
	idx := indexOf(s.SendTimes, t)
	if idx < 0 {
		return s, fmt.Errorf("%w: %s", ErrSendTimeNotFound, t)
	}
	next := s.Clone()
	next.SendTimes = append(next.SendTimes[:idx], next.SendTimes[idx+1:]...)
	if err := p.Validate(next); err != nil {
		return s, err
	}
	return next, nil
}

// AddOffDay marks a weekday as non-dispatching. Adding the seventh off-day is
// rejected so at least one eligible weekday always remains.
func (p *Planner) AddOffDay(s Settings, day int) (Settings, error) {
	next := s.Clone()
	next.OffDays = append(next.OffDays, day)
	sort.Ints(next.OffDays)
	if err := p.Validate(next); err != nil {
		return s, err
	}
	return next, nil
}

// RemoveOffDay unmarks a weekday.
func (p *Planner) RemoveOffDay(s Settings, day int) (Settings, error) {
	idx := -1
	for i, d := range s.OffDays {
		if d == day {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, fmt.Errorf("%w: %d", ErrOffDayNotFound, day)
	}
	next := s.Clone()
	next.OffDays = append(next.OffDays[:idx], next.OffDays[idx+1:]...)
	if err := p.Validate(next); err != nil {
		return s, err
	}
	return next, nil
}

// parseClock converts "HH:MM" to minutes of day.
func parseClock(t string) (int, error) {
	if !clockRegex.MatchString(t) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, t)
	}
	parts := strings.SplitN(t, ":", 2)
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	return h*60 + m, nil
}

func sortSendTimes(times []string) {
	sort.Slice(times, func(i, j int) bool {
		mi, _ := parseClock(times[i])
		mj, _ := parseClock(times[j])
		return mi < mj
	})
}

func indexOf(times []string, t string) int {
	for i, v := range times {
		if v == t {
			return i
		}
	}
	return -1
}

// civilAfter reports whether a's civil date is strictly after b's, comparing
// year/month/day in each value's own location.
func civilAfter(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}
