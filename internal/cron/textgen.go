package cron

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PhraseGenerator translates a small set of plain-English schedule
// phrases into cron expressions. Anything it cannot parse is rejected
// rather than guessed at.
type PhraseGenerator struct{}

var (
	everyMinutesRe = regexp.MustCompile(`^every (\d+) min(ute)?s?$`)
	everyHoursRe   = regexp.MustCompile(`^every (\d+) hours?$`)
	dailyAtRe      = regexp.MustCompile(`^(daily|every day) at (\d{1,2})(?::(\d{2}))?$`)
	weekdaysAtRe   = regexp.MustCompile(`^weekdays at (\d{1,2})(?::(\d{2}))?$`)
	weeklyOnRe     = regexp.MustCompile(`^(weekly on|every) (sunday|monday|tuesday|wednesday|thursday|friday|saturday) at (\d{1,2})(?::(\d{2}))?$`)
)

var weekdayNums = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

func (PhraseGenerator) GenerateCron(_ context.Context, text string) (string, error) {
	phrase := strings.ToLower(strings.TrimSpace(text))

	switch phrase {
	case "every minute":
		return "* * * * *", nil
	case "hourly", "every hour":
		return "0 * * * *", nil
	case "daily", "every day", "midnight":
		return "0 0 * * *", nil
	case "weekly":
		return "0 0 * * 0", nil
	case "monthly":
		return "0 0 1 * *", nil
	}

	if m := everyMinutesRe.FindStringSubmatch(phrase); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 59 {
			return "", fmt.Errorf("minute interval %d out of range", n)
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	}
	if m := everyHoursRe.FindStringSubmatch(phrase); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 23 {
			return "", fmt.Errorf("hour interval %d out of range", n)
		}
		return fmt.Sprintf("0 */%d * * *", n), nil
	}
	if m := dailyAtRe.FindStringSubmatch(phrase); m != nil {
		return timeOfDayExpr(m[2], m[3], "*")
	}
	if m := weekdaysAtRe.FindStringSubmatch(phrase); m != nil {
		return timeOfDayExpr(m[1], m[2], "1-5")
	}
	if m := weeklyOnRe.FindStringSubmatch(phrase); m != nil {
		return timeOfDayExpr(m[3], m[4], strconv.Itoa(weekdayNums[m[2]]))
	}

	return "", fmt.Errorf("cannot derive a schedule from %q", text)
}

func timeOfDayExpr(hourStr, minStr, dow string) (string, error) {
	hour, _ := strconv.Atoi(hourStr)
	if hour > 23 {
		return "", fmt.Errorf("hour %d out of range", hour)
	}
	min := 0
	if minStr != "" {
		min, _ = strconv.Atoi(minStr)
		if min > 59 {
			return "", fmt.Errorf("minute %d out of range", min)
		}
	}
	return fmt.Sprintf("%d %d * * %s", min, hour, dow), nil
}
