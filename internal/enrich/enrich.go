// Package enrich adds country and ASN details to peer records from local
// GeoLite2 databases.
package enrich

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/samber/oops"

	"gonetguard/internal/models"
)

const (
	asnFile  = "GeoLite2-ASN.mmdb"
	cityFile = "GeoLite2-City.mmdb"
	cacheTTL = time.Hour
)

// ASNSource answers autonomous system queries. *geoip2.Reader implements it.
type ASNSource interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// CitySource answers location queries. *geoip2.Reader implements it.
type CitySource interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Result holds what the databases know about one address.
type Result struct {
	ASN     uint
	ASNName string
	Country string
	City    string
}

type cached struct {
	res     Result
	expires time.Time
}

// Enricher looks addresses up in whichever sources it has.
type Enricher struct {
	asn  ASNSource
	city CitySource

	mu      sync.RWMutex
	entries map[string]cached
	now     func() time.Time
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithClock replaces the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// NewFromSources builds an enricher over already opened sources. Either may
// be nil.
func NewFromSources(asn ASNSource, city CitySource, opts ...Option) *Enricher {
	e := &Enricher{
		asn:     asn,
		city:    city,
		entries: make(map[string]cached),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// New opens the GeoLite2 databases found in dirs; the first directory holding
// a file wins. Missing files are not an error: the enricher is then disabled
// and Lookup returns empty results.
func New(dirs ...string) (*Enricher, error) {
	var asn, city *geoip2.Reader

	if p := locate(asnFile, dirs); p != "" {
		db, err := geoip2.Open(p)
		if err != nil {
			return nil, oops.With("path", p).Wrapf(err, "open asn database")
		}
		asn = db
	}
	if p := locate(cityFile, dirs); p != "" {
		db, err := geoip2.Open(p)
		if err != nil {
			if asn != nil {
				_ = asn.Close()
			}
			return nil, oops.With("path", p).Wrapf(err, "open city database")
		}
		city = db
	}

	// Typed nil pointers would make the interfaces non-nil.
	var (
		asnSrc  ASNSource
		citySrc CitySource
	)
	if asn != nil {
		asnSrc = asn
	}
	if city != nil {
		citySrc = city
	}

	return NewFromSources(asnSrc, citySrc), nil
}

func locate(name string, dirs []string) string {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		p := filepath.Join(d, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// Close releases the sources that hold files.
func (e *Enricher) Close() {
	if e == nil {
		return
	}
	if c, ok := e.asn.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := e.city.(io.Closer); ok {
		_ = c.Close()
	}
}

// Enabled reports whether at least one source is available.
func (e *Enricher) Enabled() bool {
	return e != nil && (e.asn != nil || e.city != nil)
}

// Lookup returns the details for ip, served from cache for up to an hour.
func (e *Enricher) Lookup(ip string) Result {
	if !e.Enabled() {
		return Result{}
	}

	now := e.now()

	e.mu.RLock()
	c, ok := e.entries[ip]
	e.mu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.res
	}

	res := e.query(net.ParseIP(ip))

	e.mu.Lock()
	e.entries[ip] = cached{res: res, expires: now.Add(cacheTTL)}
	e.mu.Unlock()

	return res
}

func (e *Enricher) query(ip net.IP) Result {
	var res Result
	if ip == nil {
		return res
	}

	if e.asn != nil {
		if rec, err := e.asn.ASN(ip); err == nil && rec != nil {
			res.ASN = rec.AutonomousSystemNumber
			res.ASNName = rec.AutonomousSystemOrganization
		}
	}

	if e.city != nil {
		if rec, err := e.city.City(ip); err == nil && rec != nil {
			res.Country = englishOr(rec.Country.Names, rec.Country.IsoCode)
			res.City = englishOr(rec.City.Names, "")
		}
	}

	return res
}

func englishOr(names map[string]string, fallback string) string {
	if n := names["en"]; n != "" {
		return n
	}
	return fallback
}

// Annotate fills the optional geo fields of rec.
func (e *Enricher) Annotate(rec *models.PeerRecord) {
	if !e.Enabled() {
		return
	}

	res := e.Lookup(rec.IP)
	rec.Country = res.Country
	rec.ASN = res.ASN
	rec.ASNName = res.ASNName
}
