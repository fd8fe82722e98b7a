// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/naturdata/obsync/internal/models"
)

// ErrConfig marks any configuration validation failure. The whole run
// aborts on it before any network or database I/O happens.
var ErrConfig = errors.New("invalid configuration")

var validate = validator.New()

// Validate checks struct tags plus the cross-field constraints the tags
// cannot express. It returns an error wrapping ErrConfig on the first
// violation found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err)
	}

	t := c.Tuning
	if t.PIDLimitMin > t.PIDLimitMax {
		return fmt.Errorf("%w: pid_limit_min (%d) exceeds pid_limit_max (%d)",
			ErrConfig, t.PIDLimitMin, t.PIDLimitMax)
	}
	if t.MinYear > time.Now().Year() {
		return fmt.Errorf("%w: min_year %d is in the future", ErrConfig, t.MinYear)
	}
	if t.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_delay must not be negative", ErrConfig)
	}

	anyEnabled := false
	for name, site := range c.Sites {
		if !site.Enabled {
			continue
		}
		anyEnabled = true

		if err := validateSite(name, site); err != nil {
			return err
		}
		if site.controlerEnabled(models.CategoryObservations) && c.Security.HashKey == "" {
			return fmt.Errorf("%w: site %s synchronizes observations but security.hash_key is empty",
				ErrConfig, name)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("%w: no enabled site configured", ErrConfig)
	}

	return nil
}

func validateSite(name string, site SiteConfig) error {
	if site.URL == "" {
		return fmt.Errorf("%w: site %s has no url", ErrConfig, name)
	}
	if u, err := url.Parse(site.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: site %s url %q is not a valid absolute URL", ErrConfig, name, site.URL)
	}
	if site.UserEmail == "" || site.UserPassword == "" {
		return fmt.Errorf("%w: site %s is missing download account credentials", ErrConfig, name)
	}

	for cat, ctrl := range site.Controlers {
		if !models.Category(cat).Valid() {
			return fmt.Errorf("%w: site %s references unknown category %q", ErrConfig, name, cat)
		}
		if !ctrl.Enabled {
			continue
		}
		if err := validateFilter(name, cat, ctrl.Filter); err != nil {
			return err
		}
	}

	return nil
}

func validateFilter(site, cat string, f FilterConfig) error {
	var start, end time.Time
	var err error

	if f.StartDate != "" {
		if start, err = time.Parse(dateLayout, f.StartDate); err != nil {
			return fmt.Errorf("%w: site %s category %s start_date %q is not YYYY-MM-DD",
				ErrConfig, site, cat, f.StartDate)
		}
	}
	if f.EndDate != "" {
		if end, err = time.Parse(dateLayout, f.EndDate); err != nil {
			return fmt.Errorf("%w: site %s category %s end_date %q is not YYYY-MM-DD",
				ErrConfig, site, cat, f.EndDate)
		}
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return fmt.Errorf("%w: site %s category %s start_date is after end_date",
			ErrConfig, site, cat)
	}
	for _, id := range f.TaxoExclude {
		if id == "" {
			return fmt.Errorf("%w: site %s category %s has an empty taxo_exclude id",
				ErrConfig, site, cat)
		}
	}

	return nil
}

// controlerEnabled reports whether the given category is enabled for this site.
func (s SiteConfig) controlerEnabled(cat models.Category) bool {
	ctrl, ok := s.Controlers[string(cat)]
	return ok && ctrl.Enabled
}

// EnabledCategories returns the site's enabled categories in the stable
// order of models.Categories.
func (s SiteConfig) EnabledCategories() []models.Category {
	var out []models.Category
	for _, cat := range models.Categories() {
		if s.controlerEnabled(cat) {
			out = append(out, cat)
		}
	}
	return out
}

// CategoryFilter returns the filter configured for the category, or a
// zero filter when none is set.
func (s SiteConfig) CategoryFilter(cat models.Category) FilterConfig {
	if ctrl, ok := s.Controlers[string(cat)]; ok {
		return ctrl.Filter
	}
	return FilterConfig{}
}
