package service

import (
	"fmt"
	"strings"
	"time"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

// Zones resolves the time zone each store keeps its business day in.
type Zones struct {
	fallback *time.Location
	byStore  map[string]*time.Location
}

func NewZones(defaultZone string, byStore map[string]string) (*Zones, error) {
	fallback, err := loadZone(defaultZone)
	if err != nil {
		return nil, err
	}
	zones := &Zones{fallback: fallback, byStore: make(map[string]*time.Location, len(byStore))}
	for storeID, name := range byStore {
		loc, err := loadZone(name)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", storeID, err)
		}
		zones.byStore[strings.TrimSpace(storeID)] = loc
	}
	return zones, nil
}

// UTCZones is used when no store zones are configured.
func UTCZones() *Zones {
	return &Zones{fallback: time.UTC, byStore: map[string]*time.Location{}}
}

func loadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

func (z *Zones) Location(storeID string) *time.Location {
	if loc, ok := z.byStore[storeID]; ok {
		return loc
	}
	return z.fallback
}

// BusinessDate is the store-local calendar date of t.
func (z *Zones) BusinessDate(storeID string, t time.Time) string {
	return t.In(z.Location(storeID)).Format(domain.BusinessDateLayout)
}

// DayWindow returns the UTC instants [from, to) covering the store-local
// date. Days that cross a DST change are 23 or 25 hours long.
func (z *Zones) DayWindow(storeID string, date string) (time.Time, time.Time, error) {
	loc := z.Location(storeID)
	day, err := time.ParseInLocation(domain.BusinessDateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, time.Time{}, apperror.Validation("date must be YYYY-MM-DD, got %q", date)
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	to := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	return from.UTC(), to.UTC(), nil
}
