// Package robots caches per-host robots policies and deduplicates the
// fetches that refresh them.
package robots

import (
	"fmt"
	"time"

	"github.com/temoto/robotstxt"
)

const denyAllBody = "User-agent: *\nDisallow: /\n"

// Policy is the parsed robots file for one host.
type Policy struct {
	Host      string
	FetchedAt time.Time
	TTL       time.Duration

	agent string
	data  *robotstxt.RobotsData
}

func newPolicy(host, agent string, data *robotstxt.RobotsData, fetchedAt time.Time, ttl time.Duration) *Policy {
	return &Policy{Host: host, FetchedAt: fetchedAt, TTL: ttl, agent: agent, data: data}
}

// Permissive is the policy assumed when nothing forbids access.
func Permissive(host, agent string) *Policy {
	return &Policy{Host: host, agent: agent}
}

// Parse builds a policy from a robots body.
func Parse(host, agent string, body []byte, fetchedAt time.Time, ttl time.Duration) (*Policy, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots for %s: %w", host, err)
	}
	return newPolicy(host, agent, data, fetchedAt, ttl), nil
}

// DenyAll builds a policy that disallows every path.
func DenyAll(host, agent string, fetchedAt time.Time, ttl time.Duration) *Policy {
	data, err := robotstxt.FromString(denyAllBody)
	if err != nil {
		panic(fmt.Sprintf("robots: static deny-all body failed to parse: %v", err))
	}
	return newPolicy(host, agent, data, fetchedAt, ttl)
}

// Allowed reports whether the agent may fetch path.
func (p *Policy) Allowed(path string) bool {
	if p == nil || p.data == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return p.data.TestAgent(path, p.agent)
}

// Delay returns the robots crawl-delay for the agent, or def when the file
// does not set one.
func (p *Policy) Delay(def time.Duration) time.Duration {
	if p == nil || p.data == nil {
		return def
	}
	group := p.data.FindGroup(p.agent)
	if group == nil || group.CrawlDelay <= 0 {
		return def
	}
	return group.CrawlDelay
}

// Fresh reports whether the policy is still within its TTL. A zero TTL never
// expires.
func (p *Policy) Fresh(now time.Time) bool {
	if p == nil {
		return false
	}
	if p.TTL <= 0 {
		return true
	}
	return now.Before(p.FetchedAt.Add(p.TTL))
}
