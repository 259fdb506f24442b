package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// zoneRegions are tried in order when a spoken place is not a zone name.
var zoneRegions = []string{"America", "Europe", "Asia", "Africa", "Australia", "Pacific", "Atlantic", "Indian"}

func (r *Router) registerBuiltins() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register("time_zone", `(?:what time is it|(?:what(?:'s| is) the )?time) in (?P<location>.+)`, r.handleTimeZone))
	must(r.Register("time", `what (?:time|date) is it|current (?:time|date)|what(?:'s| is) the (?:time|date)`, r.handleTime))
	must(r.Register("greeting", `(?:hi|hello|hey|good (?:morning|afternoon|evening))(?:\s+there)?[.!]*$`, r.handleGreeting))
}

func (r *Router) formatClock(t time.Time, use24 bool) string {
	if use24 {
		return t.Format("15:04")
	}
	return t.Format("03:04 PM")
}

func (r *Router) handleTime(_ context.Context, _ Match) (string, error) {
	cfg := r.config()
	now := r.now().In(cfg.Location)
	return fmt.Sprintf("It's %s on %s", r.formatClock(now, cfg.Use24Hour), now.Format("Monday, January 02, 2006")), nil
}

func (r *Router) handleTimeZone(_ context.Context, m Match) (string, error) {
	place := m.Params["location"]
	if place == "" {
		return "I need a location to check the time for.", nil
	}
	loc, ok := lookupZone(place)
	if !ok {
		return fmt.Sprintf("I couldn't find the timezone for %s", place), nil
	}
	cfg := r.config()
	return fmt.Sprintf("The time in %s is %s", place, r.formatClock(r.now().In(loc), cfg.Use24Hour)), nil
}

func (r *Router) handleGreeting(_ context.Context, _ Match) (string, error) {
	return fmt.Sprintf("Hello! I'm %s. How can I help?", r.config().Name), nil
}

// lookupZone resolves a spoken place ("new york", "UTC", "Europe/Berlin") to
// a time zone.
func lookupZone(place string) (*time.Location, bool) {
	candidates := []string{place}
	if !strings.Contains(place, "/") && strings.ToUpper(place) != place {
		name := strings.ReplaceAll(cases.Title(language.English).String(strings.ToLower(place)), " ", "_")
		candidates = append(candidates, name)
		for _, region := range zoneRegions {
			candidates = append(candidates, region+"/"+name)
		}
	}
	for _, c := range candidates {
		if c == "" || strings.EqualFold(c, "local") {
			continue
		}
		if loc, err := time.LoadLocation(c); err == nil {
			return loc, true
		}
	}
	return nil, false
}
