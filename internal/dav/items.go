package dav

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
	"github.com/google/uuid"
)

// Items enumerates the items of a collection. Payloads are returned raw;
// UID and summary/name are extracted best-effort.
func (s *Session) Items(ctx context.Context, col Collection) ([]Item, error) {
	if col.Kind == KindCalendar {
		return s.calendarItems(ctx, col)
	}
	return s.addressItems(ctx, col)
}

// PutItem uploads a raw payload to the destination collection. The target
// URL is derived from the collection path and the item UID; the contact path
// shape honors the per-server-type override.
func (s *Session) PutItem(ctx context.Context, col Collection, item Item) error {
	if item.Data == "" {
		return fmt.Errorf("%w: empty payload", ErrItemWrite)
	}

	uid := item.UID
	if uid == "" {
		uid = uuid.New().String()
		s.logger.Info("item has no UID, generated one for the resource path", "uid", uid)
	}

	contentType := "text/calendar; charset=utf-8"
	if col.Kind == KindAddressBook {
		contentType = "text/vcard; charset=utf-8"
	}

	target := s.buildURL(s.itemPath(col, uid))
	resp, err := s.put(ctx, target, contentType, item.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrItemWrite, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: unexpected status %d for %s", ErrItemWrite, resp.StatusCode, target)
	}
	return nil
}

// CreateCollection creates a calendar or addressbook with the given display
// name under the home set via extended MKCOL. Failure is reported as an
// error for the caller to decide on; it never aborts a migration phase.
func (s *Session) CreateCollection(ctx context.Context, kind Kind, name string) (*Collection, error) {
	home := s.homeSet(ctx, kind)
	path := strings.TrimSuffix(home, "/") + "/" + url.PathEscape(strings.ToLower(strings.ReplaceAll(name, " ", "-"))) + "/"

	body, err := mkcolBody(kind, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollectionCreate, err)
	}

	resp, err := s.roundTrip(ctx, "MKCOL", s.buildURL(path), "", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollectionCreate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d creating %q", ErrCollectionCreate, resp.StatusCode, name)
	}

	s.logger.Info("created collection", "kind", kind, "name", name, "path", path)
	return &Collection{Kind: kind, Name: name, Path: path, URL: s.buildURL(path)}, nil
}

// homeSet resolves the collection home set for a kind, falling back to the
// principal path when the server does not advertise one.
func (s *Session) homeSet(ctx context.Context, kind Kind) string {
	var home string
	var err error
	if kind == KindCalendar {
		home, err = s.caldavClient.FindCalendarHomeSet(ctx, s.principalPath)
	} else {
		home, err = s.carddavClient.FindAddressBookHomeSet(ctx, s.principalPath)
	}
	if err != nil || home == "" {
		s.logger.Warn("home set lookup failed, using principal path", "kind", kind, "error", err)
		return s.principalPath
	}
	return home
}

// mkcolBody builds an RFC 5689 extended MKCOL document.
func mkcolBody(kind Kind, name string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	mkcol := doc.CreateElement("d:mkcol")
	mkcol.CreateAttr("xmlns:d", "DAV:")
	mkcol.CreateAttr("xmlns:c", "urn:ietf:params:xml:ns:caldav")
	mkcol.CreateAttr("xmlns:card", "urn:ietf:params:xml:ns:carddav")
	prop := mkcol.CreateElement("d:set").CreateElement("d:prop")
	rt := prop.CreateElement("d:resourcetype")
	rt.CreateElement("d:collection")
	if kind == KindCalendar {
		rt.CreateElement("c:calendar")
	} else {
		rt.CreateElement("card:addressbook")
	}
	prop.CreateElement("d:displayname").SetText(name)
	return doc.WriteToString()
}

// calendarItems retrieves events via REPORT calendar-query, falling back to
// a PROPFIND listing with per-object fetches when the query fails or comes
// back empty.
func (s *Session) calendarItems(ctx context.Context, col Collection) ([]Item, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
	}

	objects, err := s.caldavClient.QueryCalendar(ctx, col.Path, query)
	if err == nil && len(objects) > 0 {
		return s.eventsFromObjects(objects), nil
	}
	if err != nil {
		s.logger.Warn("calendar query failed, trying PROPFIND listing", "collection", col.Name, "error", err)
	}

	return s.itemsViaListing(ctx, col)
}

// eventsFromObjects converts CalDAV objects into items with extracted fields.
func (s *Session) eventsFromObjects(objects []caldav.CalendarObject) []Item {
	items := make([]Item, 0, len(objects))
	for _, obj := range objects {
		item := Item{Kind: ItemEvent, Path: obj.Path, ETag: obj.ETag}
		if obj.Data != nil {
			item.Data = encodeCalendar(obj.Data)
			item.UID, item.Summary = extractCalendarFields(obj.Data)
		}
		if item.Data == "" {
			s.logger.Warn("skipping event with empty payload", "path", obj.Path)
			continue
		}
		items = append(items, item)
	}
	return items
}

// addressItems retrieves contacts via a raw CardDAV addressbook-query REPORT
// requesting address-data. Servers that reject the REPORT fall back to the
// native query, then to a PROPFIND listing with per-object fetches.
func (s *Session) addressItems(ctx context.Context, col Collection) ([]Item, error) {
	items, reportErr := s.addressItemsViaReport(ctx, col)
	if reportErr == nil && len(items) > 0 {
		return items, nil
	}
	if reportErr != nil {
		s.logger.Warn("addressbook-query REPORT failed, trying native query", "collection", col.Name, "error", reportErr)
	}

	items, queryErr := s.addressItemsViaQuery(ctx, col)
	if queryErr == nil && len(items) > 0 {
		return items, nil
	}
	if queryErr != nil {
		s.logger.Warn("native addressbook query failed, trying PROPFIND listing", "collection", col.Name, "error", queryErr)
	}

	items, listErr := s.itemsViaListing(ctx, col)
	if listErr != nil {
		if reportErr != nil && queryErr != nil {
			return nil, fmt.Errorf("all contact enumeration strategies failed: %w", listErr)
		}
		return nil, listErr
	}
	return items, nil
}

func (s *Session) addressItemsViaReport(ctx context.Context, col Collection) ([]Item, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	query := doc.CreateElement("card:addressbook-query")
	query.CreateAttr("xmlns:d", "DAV:")
	query.CreateAttr("xmlns:card", "urn:ietf:params:xml:ns:carddav")
	prop := query.CreateElement("d:prop")
	prop.CreateElement("d:getetag")
	prop.CreateElement("card:address-data")
	body, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("failed to build report body: %w", err)
	}

	resp, err := s.roundTrip(ctx, "REPORT", col.URL, "1", body)
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

	items := make([]Item, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		var data, etag string
		for _, ps := range r.Propstats {
			if ps.Prop.AddressData != "" {
				data = ps.Prop.AddressData
			}
			if ps.Prop.GetETag != "" {
				etag = ps.Prop.GetETag
			}
		}
		if data == "" {
			continue
		}
		item := Item{
			Kind: ItemContact,
			Path: s.resolveHref(r.Href, col.Path),
			ETag: etag,
			Data: data,
		}
		item.UID, item.Summary = ExtractContactFields(data)
		items = append(items, item)
	}
	return items, nil
}

func (s *Session) addressItemsViaQuery(ctx context.Context, col Collection) ([]Item, error) {
	query := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
	}
	objects, err := s.carddavClient.QueryAddressBook(ctx, col.Path, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query addressbook: %w", err)
	}

	items := make([]Item, 0, len(objects))
	for _, obj := range objects {
		data := encodeCard(obj.Card)
		if data == "" {
			s.logger.Warn("skipping contact with empty payload", "path", obj.Path)
			continue
		}
		item := Item{Kind: ItemContact, Path: obj.Path, ETag: obj.ETag, Data: data}
		item.UID, item.Summary = ExtractContactFields(data)
		items = append(items, item)
	}
	return items, nil
}

// itemsViaListing lists a collection's children with a PROPFIND and fetches
// each resource individually. A failure on one resource skips it rather than
// aborting the listing.
func (s *Session) itemsViaListing(ctx context.Context, col Collection) ([]Item, error) {
	body, err := propfindBody("d:getetag", "d:getcontenttype")
	if err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(ctx, "PROPFIND", col.URL, "1", body)
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

	wantSuffix, wantType := ".ics", "calendar"
	if col.Kind == KindAddressBook {
		wantSuffix, wantType = ".vcf", "vcard"
	}

	items := make([]Item, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		path := s.resolveHref(r.Href, col.Path)
		if isCollectionSelf(path, col.Path) {
			continue
		}
		ct := strings.ToLower(r.contentType())
		if !strings.HasSuffix(path, wantSuffix) && !strings.Contains(ct, wantType) {
			continue
		}
		item, err := s.fetchItem(ctx, col.Kind, path)
		if err != nil {
			s.logger.Warn("failed to fetch item", "path", path, "error", err)
			continue
		}
		if item.Data == "" {
			s.logger.Warn("skipping item with empty payload", "path", path)
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

// fetchItem retrieves a single resource by path.
func (s *Session) fetchItem(ctx context.Context, kind Kind, path string) (*Item, error) {
	if kind == KindCalendar {
		obj, err := s.caldavClient.GetCalendarObject(ctx, path)
		if err != nil {
			return nil, err
		}
		item := &Item{Kind: ItemEvent, Path: obj.Path, ETag: obj.ETag}
		if obj.Data != nil {
			item.Data = encodeCalendar(obj.Data)
			item.UID, item.Summary = extractCalendarFields(obj.Data)
		}
		return item, nil
	}

	obj, err := s.carddavClient.GetAddressObject(ctx, path)
	if err != nil {
		return nil, err
	}
	item := &Item{Kind: ItemContact, Path: obj.Path, ETag: obj.ETag, Data: encodeCard(obj.Card)}
	item.UID, item.Summary = ExtractContactFields(item.Data)
	return item, nil
}
