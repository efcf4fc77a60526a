package apple

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	propfindHome = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
  </d:prop>
</d:propfind>`

	propfindCalendars = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
    <d:current-user-privilege-set/>
    <cs:getctag/>
    <ic:calendar-color/>
  </d:prop>
</d:propfind>`

	calendarQuery = `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
)

const davTimeFormat = "20060102T150405Z"

func calendarQueryBody(start, end time.Time) string {
	return fmt.Sprintf(calendarQuery, start.UTC().Format(davTimeFormat), end.UTC().Format(davTimeFormat))
}

type multistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName  string        `xml:"displayname"`
	CTag         string        `xml:"getctag"`
	Color        string        `xml:"calendar-color"`
	ETag         string        `xml:"getetag"`
	CalendarData string        `xml:"calendar-data"`
	ResourceType resourceType  `xml:"resourcetype"`
	Privileges   *privilegeSet `xml:"current-user-privilege-set"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
	Calendar   *struct{} `xml:"calendar"`
}

type privilegeSet struct {
	Privileges []struct {
		Write *struct{} `xml:"write"`
		All   *struct{} `xml:"all"`
	} `xml:"privilege"`
}

func (p *privilegeSet) writable() bool {
	if p == nil {
		// Servers that do not report privileges are assumed writable.
		return true
	}
	for _, priv := range p.Privileges {
		if priv.Write != nil || priv.All != nil {
			return true
		}
	}
	return false
}

// prop merges the properties of every successful propstat.
func (r davResponse) prop() davProp {
	var out davProp
	for _, ps := range r.Propstats {
		if ps.Status != "" && !strings.Contains(ps.Status, " 200") {
			continue
		}
		p := ps.Prop
		if p.DisplayName != "" {
			out.DisplayName = p.DisplayName
		}
		if p.CTag != "" {
			out.CTag = p.CTag
		}
		if p.Color != "" {
			out.Color = p.Color
		}
		if p.ETag != "" {
			out.ETag = p.ETag
		}
		if p.CalendarData != "" {
			out.CalendarData = p.CalendarData
		}
		if p.ResourceType.Calendar != nil {
			out.ResourceType.Calendar = p.ResourceType.Calendar
		}
		if p.ResourceType.Collection != nil {
			out.ResourceType.Collection = p.ResourceType.Collection
		}
		if p.Privileges != nil {
			out.Privileges = p.Privileges
		}
	}
	return out
}

// path returns the server-relative path of the response href, which some
// servers send as an absolute URL.
func (r davResponse) path() string {
	href := strings.TrimSpace(r.Href)
	if u, err := url.Parse(href); err == nil && u.IsAbs() {
		return u.Path
	}
	return href
}

func parseMultistatus(body []byte) (*multistatus, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	return &ms, nil
}
