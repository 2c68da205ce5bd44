// Package dav implements authenticated CalDAV/CardDAV sessions with layered
// collection discovery, tolerant of servers whose WebDAV support is partial
// or non-compliant (Carbonio, Zimbra, SOGo and friends).
package dav

import (
	"errors"
	"strings"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrDiscoveryFailed  = errors.New("collection discovery failed")
	ErrCollectionCreate = errors.New("collection creation failed")
	ErrItemWrite        = errors.New("item write failed")
	ErrInvalidResponse  = errors.New("invalid server response")
)

// Kind identifies the type of a collection.
type Kind string

const (
	KindCalendar    Kind = "calendar"
	KindAddressBook Kind = "addressbook"
)

// ItemKind identifies the type of a single resource within a collection.
type ItemKind string

const (
	ItemEvent   ItemKind = "event"
	ItemContact ItemKind = "contact"
)

// ServerType tags a known server implementation. It selects the default
// principal path and the address object path shape when the server deviates
// from the common layout.
type ServerType string

const (
	ServerTypeGeneric   ServerType = ""
	ServerTypeCarbonio  ServerType = "carbonio"
	ServerTypeZimbra    ServerType = "zimbra"
	ServerTypeNextcloud ServerType = "nextcloud"
	ServerTypeMailcow   ServerType = "mailcow"
	ServerTypeSOGo      ServerType = "sogo"
)

// defaultPrincipalPaths maps server types to their principal path template.
// The {username} placeholder is substituted at connect time.
var defaultPrincipalPaths = map[ServerType]string{
	ServerTypeCarbonio:  "/dav/{username}",
	ServerTypeZimbra:    "/dav/{username}",
	ServerTypeNextcloud: "/remote.php/dav/principals/users/{username}",
	ServerTypeMailcow:   "/SOGo/dav/{username}",
	ServerTypeSOGo:      "/SOGo/dav/{username}",
}

// contactPathTemplates overrides where address objects live relative to the
// addressbook collection. Carbonio reports the addressbook at the principal
// root but stores the vCards under a fixed Contacts segment.
var contactPathTemplates = map[ServerType]string{
	ServerTypeCarbonio: "{collection}/Contacts/{uid}.vcf",
	ServerTypeZimbra:   "{collection}/Contacts/{uid}.vcf",
}

// Endpoint describes one CalDAV/CardDAV server.
type Endpoint struct {
	BaseURL       string     `json:"base_url"`
	PrincipalPath string     `json:"principal_path,omitempty"` // may contain {username}
	ServerType    ServerType `json:"server_type,omitempty"`
	VerifySSL     bool       `json:"verify_ssl"`
}

// Credential carries the authentication material for an endpoint.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Collection is a calendar or addressbook resource grouping items.
type Collection struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	Path string `json:"path"` // server-absolute path
	URL  string `json:"url"`  // absolute URL
}

// Item is a single event or contact resource. UID and Summary are extracted
// best-effort; either may be empty.
type Item struct {
	Kind    ItemKind `json:"kind"`
	Path    string   `json:"path"`
	ETag    string   `json:"etag"`
	Data    string   `json:"data"`
	UID     string   `json:"uid,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// resolvePrincipalTemplate substitutes the username into a principal path
// template and normalizes the result to a server-absolute path.
func resolvePrincipalTemplate(template, username string) string {
	path := strings.ReplaceAll(template, "{username}", username)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
