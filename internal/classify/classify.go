// Package classify decides from a single line of build output whether the
// build reported a failure.
package classify

import (
	"fmt"
	"regexp"
)

// DefaultFailure matches "fail" or "failed" as whole words, any case.
const DefaultFailure = `(?i)\b(failed|fail)\b`

// DefaultIgnore matches zero-count summaries such as "Failed: 0" or "0 failed",
// which dotnet prints on successful runs.
const DefaultIgnore = `(?i)\bfailed?\s*[:=]\s*0\b|\b0\s+failed?\b`

type Verdict int

const (
	OK Verdict = iota
	Failed
)

func (v Verdict) String() string {
	if v == Failed {
		return "failed"
	}
	return "ok"
}

// Config holds the patterns used by a Classifier. Empty fields select the defaults;
// set Ignore to "-" to disable ignoring.
type Config struct {
	Failure string `mapstructure:"failure"`
	Ignore  string `mapstructure:"ignore"`
}

type Classifier struct {
	failure *regexp.Regexp
	ignore  *regexp.Regexp
}

// New compiles the patterns in c.
func New(c Config) (*Classifier, error) {
	fp := c.Failure
	if fp == "" {
		fp = DefaultFailure
	}
	f, err := regexp.Compile(fp)
	if err != nil {
		return nil, fmt.Errorf("failure pattern: %w", err)
	}
	cl := &Classifier{failure: f}
	switch c.Ignore {
	case "-":
	case "":
		cl.ignore = regexp.MustCompile(DefaultIgnore)
	default:
		if cl.ignore, err = regexp.Compile(c.Ignore); err != nil {
			return nil, fmt.Errorf("ignore pattern: %w", err)
		}
	}
	return cl, nil
}

// Default returns a classifier using DefaultFailure and DefaultIgnore.
func Default() *Classifier {
	c, _ := New(Config{})
	return c
}

// Classify returns Failed when isBuild is set and the line contains a failure
// keyword outside of any ignored span. Non-build output is always OK.
func (c *Classifier) Classify(line string, isBuild bool) Verdict {
	if !isBuild {
		return OK
	}
	if c.ignore != nil {
		line = c.ignore.ReplaceAllString(line, " ")
	}
	if c.failure.MatchString(line) {
		return Failed
	}
	return OK
}
