package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// Field limits
const (
	MaxNameLength        = 120
	MaxDescriptionLength = 2000
	MaxCategoryLength    = 60
	MaxTaskTitleLength   = 200
	MaxNoteLength        = 1000
	MaxReasonLength      = 500
	MaxPromptLength      = 2000
	MaxTasks             = 20
	MaxDurationDays      = 365
	MaxPartners          = 10
	MinPasswordLength    = 8
)

var frequencyKinds = []string{
	string(types.FrequencyDaily),
	string(types.FrequencyWeekly),
	string(types.FrequencyThreeTimesWeek),
	string(types.FrequencyCustom),
}

// ValidateText runs the common checks for a free-text field.
func ValidateText(c *Collector, field, value string, max int) {
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateName validates a required display name.
func ValidateName(field, value string) []ValidationError {
	var c Collector
	c.Add(ValidateRequired(field, value))
	ValidateText(&c, field, value, MaxNameLength)
	return c.Errors()
}

// ValidateFrequency validates a frequency rule.
func ValidateFrequency(field string, f types.Frequency) []ValidationError {
	var c Collector
	c.Add(ValidateEnum(field+".kind", string(f.Kind), frequencyKinds))
	if f.Kind != types.FrequencyCustom {
		return c.Errors()
	}

	switch {
	case f.DaysPerWeek > 0 && len(f.Weekdays) > 0:
		c.Add(&ValidationError{Field: field, Message: "must set days_per_week or weekdays, not both"})
	case len(f.Weekdays) > 0:
		seen := make(map[time.Weekday]bool)
		for i, wd := range f.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				c.Add(&ValidationError{Field: fmt.Sprintf("%s.weekdays[%d]", field, i), Message: "must be between 0 (Sunday) and 6 (Saturday)"})
				continue
			}
			if seen[wd] {
				c.Add(&ValidationError{Field: fmt.Sprintf("%s.weekdays[%d]", field, i), Message: "is duplicated"})
			}
			seen[wd] = true
		}
	default:
		c.Add(ValidateRange(field+".days_per_week", float64(f.DaysPerWeek), 1, 7))
	}
	return c.Errors()
}

// ValidatePolicy validates the optional accounting policy.
func ValidatePolicy(field string, p *types.Policy) []ValidationError {
	if p == nil {
		return nil
	}
	var c Collector
	if p.Quota != "" {
		c.Add(ValidateEnum(field+".quota", string(p.Quota), []string{string(types.QuotaAll), string(types.QuotaAny)}))
	}
	if p.CompletionRate != "" {
		c.Add(ValidateEnum(field+".completion_rate", string(p.CompletionRate),
			[]string{string(types.RateGraceExcluded), string(types.RateGraceCounts)}))
	}
	if p.OffSchedule != "" {
		c.Add(ValidateEnum(field+".off_schedule", string(p.OffSchedule),
			[]string{string(types.OffScheduleReject), string(types.OffScheduleBonus)}))
	}
	return c.Errors()
}

// ValidateTaskInput validates a single task. Index is used in field names
// (e.g. "tasks[3].title").
func ValidateTaskInput(index int, t types.TaskInput) []ValidationError {
	var c Collector
	prefix := fmt.Sprintf("tasks[%d]", index)
	c.Add(ValidateRequired(prefix+".title", t.Title))
	ValidateText(&c, prefix+".title", t.Title, MaxTaskTitleLength)
	ValidateText(&c, prefix+".description", t.Description, MaxDescriptionLength)
	if t.ID != "" {
		c.Add(ValidateULID(prefix+".id", t.ID))
	}
	return c.Errors()
}

// ValidateChallengeInput validates a create or update request.
func ValidateChallengeInput(in types.ChallengeInput) []ValidationError {
	var c Collector

	c.AddAll(ValidateName("name", in.Name))
	ValidateText(&c, "description", in.Description, MaxDescriptionLength)
	ValidateText(&c, "category", in.Category, MaxCategoryLength)

	c.AddAll(ValidateFrequency("frequency", in.Frequency))
	c.Add(ValidateRange("duration_days", float64(in.DurationDays), 1, MaxDurationDays))

	switch {
	case len(in.Tasks) == 0:
		c.Add(&ValidationError{Field: "tasks", Message: "must not be empty"})
	case len(in.Tasks) > MaxTasks:
		c.Add(&ValidationError{Field: "tasks", Message: fmt.Sprintf("exceeds maximum of %d tasks", MaxTasks)})
	}
	ids := make(map[string]bool)
	for i, t := range in.Tasks {
		c.AddAll(ValidateTaskInput(i, t))
		if t.ID != "" {
			if ids[t.ID] {
				c.Add(&ValidationError{Field: fmt.Sprintf("tasks[%d].id", i), Message: "is duplicated"})
			}
			ids[t.ID] = true
		}
	}

	if in.AllowGraceSkips {
		c.Add(ValidateRange("grace_skips_per_week", float64(in.GraceSkipsPerWeek), 1, 6))
	} else if in.GraceSkipsPerWeek != 0 {
		c.Add(&ValidationError{Field: "grace_skips_per_week", Message: "requires allow_grace_skips"})
	}
	if in.Visibility != "" {
		c.Add(ValidateEnum("visibility", string(in.Visibility),
			[]string{string(types.VisibilityPublic), string(types.VisibilityPrivate)}))
	}
	c.AddAll(ValidatePolicy("policy", in.Policy))
	return c.Errors()
}

// ValidateUserIDs validates a list of partner ids.
func ValidateUserIDs(field string, ids []string, self string) []ValidationError {
	var c Collector
	if len(ids) > MaxPartners {
		c.Add(&ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum of %d partners", MaxPartners)})
	}
	seen := make(map[string]bool)
	for i, id := range ids {
		f := fmt.Sprintf("%s[%d]", field, i)
		c.Add(ValidateRequired(f, id))
		if id == self {
			c.Add(&ValidationError{Field: f, Message: "must not be the requesting user"})
		}
		if seen[id] {
			c.Add(&ValidationError{Field: f, Message: "is duplicated"})
		}
		seen[id] = true
	}
	return c.Errors()
}

// ValidateTimezone returns an error if the value is not a known IANA zone.
// An empty value is accepted and means UTC.
func ValidateTimezone(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	if _, err := time.LoadLocation(value); err != nil {
		return &ValidationError{Field: field, Message: "must be a valid IANA time zone"}
	}
	return nil
}

// ValidateSignup validates an account creation request.
func ValidateSignup(req types.SignupRequest) []ValidationError {
	var c Collector
	c.Add(ValidateEmail("email", req.Email))
	if len(req.Password) < MinPasswordLength {
		c.Add(&ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)})
	}
	// bcrypt ignores bytes past 72
	if len(req.Password) > 72 {
		c.Add(&ValidationError{Field: "password", Message: "exceeds maximum length of 72 bytes"})
	}
	c.AddAll(ValidateName("display_name", req.DisplayName))
	return c.Errors()
}

// ValidateEmail returns an error if the value is not a bare email address.
func ValidateEmail(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		return &ValidationError{Field: field, Message: "must be a valid email address"}
	}
	return nil
}
