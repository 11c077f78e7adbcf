package calendar

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tenderguard/failure"
)

type holidayFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// ParseHolidays decodes a YAML document of the form
//
//	holidays:
//	  - date: 2026-12-25
//	    name: Christmas Day
func ParseHolidays(r io.Reader) ([]Holiday, error) {
	var doc holidayFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("calendar: decode holidays: %w: %w", failure.ErrInvalidInput, err)
	}
	out := make([]Holiday, 0, len(doc.Holidays))
	for _, h := range doc.Holidays {
		d, err := time.Parse(dateLayout, h.Date)
		if err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w: %w", h.Date, failure.ErrInvalidInput, err)
		}
		out = append(out, Holiday{Date: d, Name: h.Name})
	}
	return out, nil
}

// LoadHolidays reads a holiday file from disk.
func LoadHolidays(path string) ([]Holiday, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calendar: open holidays: %w", err)
	}
	defer f.Close()
	return ParseHolidays(f)
}

// ParseDates converts ISO dates (YYYY-MM-DD) into unnamed holidays.
func ParseDates(dates []string) ([]Holiday, error) {
	out := make([]Holiday, 0, len(dates))
	for _, s := range dates {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("calendar: holiday %q: %w: %w", s, failure.ErrInvalidInput, err)
		}
		out = append(out, Holiday{Date: d})
	}
	return out, nil
}
