package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parvazhub/parvaz-crawler/errs"
)

// Jalali (Solar Hijri) calendar conversion using the arithmetic 33-year cycle.
// Both directions are derived from the same day-number mapping, so round
// trips are exact across the 1300-1500 range Iranian sites actually emit.

var gDaysInMonth = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
var jDaysInMonth = [12]int{31, 31, 31, 31, 31, 31, 30, 30, 30, 30, 30, 29}

// JalaliDate is a date in the Solar Hijri calendar.
type JalaliDate struct {
	Year  int
	Month int // 1-12
	Day   int // 1-31
}

func gregorianLeap(y int) bool {
	return (y%4 == 0 && y%100 != 0) || y%400 == 0
}

// JalaliLeap reports whether the given Jalali year is a leap year under the
// 33-year arithmetic cycle.
func JalaliLeap(jy int) bool {
	return jalaliYearDays(jy) == 366
}

func jalaliYearDays(jy int) int {
	return jalaliDayNumber(JalaliDate{jy + 1, 1, 1}) - jalaliDayNumber(JalaliDate{jy, 1, 1})
}

// jalaliDayNumber counts days since Farvardin 1, 979 AP (March 21, 1600 CE).
func jalaliDayNumber(d JalaliDate) int {
	jy := d.Year - 979
	n := 365*jy + (jy/33)*8 + (jy%33+3)/4
	for i := 0; i < d.Month-1; i++ {
		n += jDaysInMonth[i]
	}
	return n + d.Day - 1
}

// ToGregorian converts a Jalali date to the equivalent Gregorian date.
func (d JalaliDate) ToGregorian() (time.Time, error) {
	if d.Month < 1 || d.Month > 12 || d.Day < 1 || d.Day > jDaysInMonth[d.Month-1]+boolToInt(d.Month == 12 && JalaliLeap(d.Year)) {
		return time.Time{}, errs.Wrap(errs.KindParse, "", fmt.Errorf("invalid jalali date %04d/%02d/%02d", d.Year, d.Month, d.Day))
	}

	gDayNo := jalaliDayNumber(d) + 79

	gy := 1600 + 400*(gDayNo/146097)
	gDayNo %= 146097

	leap := true
	if gDayNo >= 36525 {
		gDayNo--
		gy += 100 * (gDayNo / 36524)
		gDayNo %= 36524
		if gDayNo >= 365 {
			gDayNo++
		} else {
			leap = false
		}
	}

	gy += 4 * (gDayNo / 1461)
	gDayNo %= 1461
	if gDayNo >= 366 {
		leap = false
		gDayNo--
		gy += gDayNo / 365
		gDayNo %= 365
	}

	var gm int
	for gm = 0; gm < 12; gm++ {
		days := gDaysInMonth[gm]
		if gm == 1 && leap {
			days++
		}
		if gDayNo < days {
			break
		}
		gDayNo -= days
	}
	return time.Date(gy, time.Month(gm+1), gDayNo+1, 0, 0, 0, 0, time.UTC), nil
}

// FromGregorian converts a Gregorian date to the equivalent Jalali date.
func FromGregorian(t time.Time) JalaliDate {
	gy, gmM, gd := t.Date()
	gm := int(gmM) - 1
	gy2 := gy - 1600
	gDayNo := 365*gy2 + (gy2+3)/4 - (gy2+99)/100 + (gy2+399)/400
	for i := 0; i < gm; i++ {
		gDayNo += gDaysInMonth[i]
	}
	if gm > 1 && gregorianLeap(gy) {
		gDayNo++
	}
	gDayNo += gd - 1

	jDayNo := gDayNo - 79
	jNp := jDayNo / 12053
	jDayNo %= 12053

	jy := 979 + 33*jNp + 4*(jDayNo/1461)
	jDayNo %= 1461
	if jDayNo >= 366 {
		jy += (jDayNo - 1) / 365
		jDayNo = (jDayNo - 1) % 365
	}

	var jm int
	for jm = 0; jm < 11 && jDayNo >= jDaysInMonth[jm]; jm++ {
		jDayNo -= jDaysInMonth[jm]
	}
	return JalaliDate{Year: jy, Month: jm + 1, Day: jDayNo + 1}
}

// ParseJalali parses a "YYYY/MM/DD" or "YYYY-MM-DD" Jalali date string with
// Persian or ASCII digits.
func ParseJalali(s string) (JalaliDate, error) {
	folded := strings.TrimSpace(Digits(s))
	folded = strings.ReplaceAll(folded, "-", "/")
	parts := strings.Split(folded, "/")
	if len(parts) != 3 {
		return JalaliDate{}, errs.Wrap(errs.KindParse, "", fmt.Errorf("jalali date %q: want YYYY/MM/DD", s))
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return JalaliDate{}, errs.Wrap(errs.KindParse, "", fmt.Errorf("jalali date %q: %w", s, err))
		}
		vals[i] = v
	}
	return JalaliDate{Year: vals[0], Month: vals[1], Day: vals[2]}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
