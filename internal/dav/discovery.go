package dav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beevik/etree"
)

// XML structures for parsing multistatus responses.
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string        `xml:"href"`
	Propstats []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName    string          `xml:"displayname"`
	ResourceType   davResourceType `xml:"resourcetype"`
	GetContentType string          `xml:"getcontenttype"`
	GetETag        string          `xml:"getetag"`
	CalendarData   string          `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	AddressData    string          `xml:"urn:ietf:params:xml:ns:carddav address-data"`
}

type davResourceType struct {
	Calendar    *xmlPresence `xml:"urn:ietf:params:xml:ns:caldav calendar"`
	AddressBook *xmlPresence `xml:"urn:ietf:params:xml:ns:carddav addressbook"`
}

type xmlPresence struct{}

// matchesKind reports whether the resourcetype carries the namespaced element
// for the given collection kind.
func (rt davResourceType) matchesKind(kind Kind) bool {
	if kind == KindCalendar {
		return rt.Calendar != nil
	}
	return rt.AddressBook != nil
}

// displayName returns the first non-empty displayname across propstats.
func (r davResponse) displayName() string {
	for _, ps := range r.Propstats {
		if ps.Prop.DisplayName != "" {
			return ps.Prop.DisplayName
		}
	}
	return ""
}

// resourceType merges the resourcetype across propstats.
func (r davResponse) resourceType() davResourceType {
	var rt davResourceType
	for _, ps := range r.Propstats {
		if ps.Prop.ResourceType.Calendar != nil {
			rt.Calendar = ps.Prop.ResourceType.Calendar
		}
		if ps.Prop.ResourceType.AddressBook != nil {
			rt.AddressBook = ps.Prop.ResourceType.AddressBook
		}
	}
	return rt
}

// contentType returns the first non-empty getcontenttype across propstats.
func (r davResponse) contentType() string {
	for _, ps := range r.Propstats {
		if ps.Prop.GetContentType != "" {
			return ps.Prop.GetContentType
		}
	}
	return ""
}

type collectionStrategy struct {
	name string
	fn   func(ctx context.Context, kind Kind) ([]Collection, error)
}

// Collections enumerates the collections of the given kind using layered
// strategies: the native home-set lookup first, then a raw PROPFIND against
// the principal. An empty-but-successful result advances to the next
// strategy; success from an earlier strategy wins.
func (s *Session) Collections(ctx context.Context, kind Kind) ([]Collection, error) {
	strategies := []collectionStrategy{
		{name: "native", fn: s.nativeCollections},
		{name: "propfind", fn: s.propfindCollections},
	}

	var lastErr error
	succeeded := 0
	for _, strategy := range strategies {
		s.logger.Info("discovering collections", "kind", kind, "strategy", strategy.name)
		cols, err := strategy.fn(ctx, kind)
		if err != nil {
			s.logger.Warn("discovery strategy failed", "kind", kind, "strategy", strategy.name, "error", err)
			lastErr = err
			continue
		}
		succeeded++
		if len(cols) == 0 {
			s.logger.Warn("discovery strategy returned no collections", "kind", kind, "strategy", strategy.name)
			continue
		}
		s.logger.Info("discovered collections", "kind", kind, "strategy", strategy.name, "count", len(cols))
		return cols, nil
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, lastErr)
	}
	return []Collection{}, nil
}

// FindCollectionByName returns the first collection whose display name
// matches exactly (case-sensitive), or nil when none matches.
func (s *Session) FindCollectionByName(ctx context.Context, kind Kind, name string) (*Collection, error) {
	cols, err := s.Collections(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		if cols[i].Name == name {
			return &cols[i], nil
		}
	}
	return nil, nil
}

// nativeCollections uses the go-webdav home-set lookups rooted at the
// resolved principal.
func (s *Session) nativeCollections(ctx context.Context, kind Kind) ([]Collection, error) {
	if kind == KindCalendar {
		homeSet, err := s.caldavClient.FindCalendarHomeSet(ctx, s.principalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to find calendar home set: %w", err)
		}
		cals, err := s.caldavClient.FindCalendars(ctx, homeSet)
		if err != nil {
			return nil, fmt.Errorf("failed to find calendars: %w", err)
		}
		cols := make([]Collection, 0, len(cals))
		for _, cal := range cals {
			cols = append(cols, Collection{
				Kind: KindCalendar,
				Name: cal.Name,
				Path: cal.Path,
				URL:  s.buildURL(cal.Path),
			})
		}
		return cols, nil
	}

	homeSet, err := s.carddavClient.FindAddressBookHomeSet(ctx, s.principalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find addressbook home set: %w", err)
	}
	books, err := s.carddavClient.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find addressbooks: %w", err)
	}
	cols := make([]Collection, 0, len(books))
	for _, book := range books {
		cols = append(cols, Collection{
			Kind: KindAddressBook,
			Name: book.Name,
			Path: book.Path,
			URL:  s.buildURL(book.Path),
		})
	}
	return cols, nil
}

// propfindCollections issues a raw Depth:1 PROPFIND against the principal
// requesting resourcetype and displayname, and keeps entries whose
// resourcetype matches the kind. Relative hrefs are resolved against the
// principal URL. This is the path servers like Carbonio and Zimbra need.
func (s *Session) propfindCollections(ctx context.Context, kind Kind) ([]Collection, error) {
	body, err := propfindBody("d:resourcetype", "d:displayname")
	if err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(ctx, "PROPFIND", s.buildURL(s.principalPath), "1", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return nil, err
	}

	cols := make([]Collection, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if !r.resourceType().matchesKind(kind) {
			continue
		}
		path := s.resolveHref(r.Href, s.principalPath)
		cols = append(cols, Collection{
			Kind: kind,
			Name: r.displayName(),
			Path: path,
			URL:  s.buildURL(path),
		})
	}
	return cols, nil
}

// propfindBody builds a PROPFIND request document asking for the given
// DAV properties.
func propfindBody(props ...string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	propfind := doc.CreateElement("d:propfind")
	propfind.CreateAttr("xmlns:d", "DAV:")
	propfind.CreateAttr("xmlns:c", "urn:ietf:params:xml:ns:caldav")
	propfind.CreateAttr("xmlns:card", "urn:ietf:params:xml:ns:carddav")
	prop := propfind.CreateElement("d:prop")
	for _, p := range props {
		prop.CreateElement(p)
	}
	body, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("failed to build propfind body: %w", err)
	}
	return body, nil
}

// parseMultistatus decodes a 207 Multi-Status body.
func parseMultistatus(r io.Reader) (*multistatus, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &ms, nil
}

// isCollectionSelf reports whether an href refers to the collection itself
// rather than a child resource.
func isCollectionSelf(href, basePath string) bool {
	return href == basePath || strings.TrimSuffix(href, "/") == strings.TrimSuffix(basePath, "/")
}
