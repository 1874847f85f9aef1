// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"encoding/xml"
	"net/url"
	"regexp"
	"strings"
)

// NewsML is parsed into a narrow domain shape: only the nodes the record
// needs are declared. Unknown elements are skipped by encoding/xml.

// cdata normalizes the three shapes a NewsML text node takes: plain
// character data (possibly CDATA), an element with text content, or an
// element carrying a Value attribute.
type cdata struct {
	Text  string `xml:",chardata"`
	Value string `xml:"Value,attr"`
}

// get returns the trimmed text content, falling back to the Value
// attribute, then to the empty string.
func (c cdata) get() string {
	if s := strings.TrimSpace(c.Text); s != "" {
		return s
	}
	return strings.TrimSpace(c.Value)
}

// formal is an element whose payload is its FormalName attribute,
// e.g. <Role FormalName="PICTURE"/>.
type formal struct {
	FormalName string `xml:"FormalName,attr"`
}

func (f *formal) name() string {
	if f == nil {
		return ""
	}
	return strings.TrimSpace(f.FormalName)
}

// property is a FormalName/Value pair; descriptive metadata nests them.
type property struct {
	FormalName string     `xml:"FormalName,attr"`
	Value      string     `xml:"Value,attr"`
	Text       string     `xml:",chardata"`
	Properties []property `xml:"Property"`
}

func (p property) value() string {
	if s := strings.TrimSpace(p.Value); s != "" {
		return s
	}
	return strings.TrimSpace(p.Text)
}

type newsML struct {
	XMLName  xml.Name  `xml:"NewsML"`
	NewsItem *newsItem `xml:"NewsItem"`
}

type newsItem struct {
	Identification *struct {
		NewsIdentifier *struct {
			NewsItemID cdata `xml:"NewsItemId"`
			DateID     cdata `xml:"DateId"`
			ProviderID cdata `xml:"ProviderId"`
		} `xml:"NewsIdentifier"`
	} `xml:"Identification"`

	NewsManagement *struct {
		Status              *formal `xml:"Status"`
		Urgency             *formal `xml:"Urgency"`
		FirstCreated        cdata   `xml:"FirstCreated"`
		ThisRevisionCreated cdata   `xml:"ThisRevisionCreated"`
	} `xml:"NewsManagement"`

	Components []newsComponent `xml:"NewsComponent"`
}

type newsComponent struct {
	Role       *formal         `xml:"Role"`
	Components []newsComponent `xml:"NewsComponent"`

	Comment cdata `xml:"Comment"`

	NewsLines *struct {
		HeadLine      cdata   `xml:"HeadLine"`
		ByLine        cdata   `xml:"ByLine"`
		DateLine      cdata   `xml:"DateLine"`
		CreditLine    cdata   `xml:"CreditLine"`
		SlugLine      cdata   `xml:"SlugLine"`
		CopyrightLine cdata   `xml:"CopyrightLine"`
		KeywordLines  []cdata `xml:"KeywordLine"`
	} `xml:"NewsLines"`

	AdministrativeMetadata *struct {
		Properties []property `xml:"Property"`
	} `xml:"AdministrativeMetadata"`

	DescriptiveMetadata *struct {
		Language    *formal `xml:"Language"`
		SubjectCode *struct {
			Subject *formal `xml:"Subject"`
		} `xml:"SubjectCode"`
		Properties []property `xml:"Property"`
	} `xml:"DescriptiveMetadata"`

	RightsMetadata *struct {
		UsageRights *usageRights `xml:"UsageRights"`
	} `xml:"RightsMetadata"`

	// Component-level UsageRights is the fallback when RightsMetadata is
	// absent or empty.
	UsageRights *usageRights `xml:"UsageRights"`

	ContentItems []contentItem `xml:"ContentItem"`
}

type usageRights struct {
	UsageType    cdata      `xml:"UsageType"`
	RightsHolder cdata      `xml:"RightsHolder"`
	Properties   []property `xml:"Property"`
}

type contentItem struct {
	Href            string  `xml:"Href,attr"`
	MediaType       *formal `xml:"MediaType"`
	Characteristics *struct {
		SizeInBytes cdata      `xml:"SizeInBytes"`
		Properties  []property `xml:"Property"`
	} `xml:"Characteristics"`
}

// Extract parses one NewsML document and builds the flat record. origin is
// the document's identity (local path or remote URL) and is used for the
// xmlPath column and the city/year/month provenance columns.
func Extract(xmlBytes []byte, origin string) (*Record, error) {
	var doc newsML
	if err := xml.Unmarshal(xmlBytes, &doc); err != nil {
		return nil, &ExtractError{Path: origin, Kind: KindMalformedXML, Err: err}
	}
	if doc.NewsItem == nil {
		return nil, &ExtractError{Path: origin, Kind: KindMalformedXML}
	}
	item := doc.NewsItem

	pic := findPictureComponent(item.Components)
	if pic == nil {
		return nil, &ExtractError{Path: origin, Kind: KindMissingPicture}
	}

	rec := &Record{XMLPath: origin, ImageExists: "No"}
	rec.City, rec.Year, rec.Month = deriveProvenance(origin)

	if id := item.Identification; id != nil && id.NewsIdentifier != nil {
		rec.NewsItemID = id.NewsIdentifier.NewsItemID.get()
		rec.DateID = id.NewsIdentifier.DateID.get()
		rec.ProviderID = id.NewsIdentifier.ProviderID.get()
	}
	if mgmt := item.NewsManagement; mgmt != nil {
		rec.Status = mgmt.Status.name()
		rec.Urgency = mgmt.Urgency.name()
		rec.CreationDate = mgmt.FirstCreated.get()
		rec.RevisionDate = mgmt.ThisRevisionCreated.get()
	}

	rec.CommentData = pic.Comment.get()

	if nl := pic.NewsLines; nl != nil {
		rec.Headline = nl.HeadLine.get()
		rec.Byline = nl.ByLine.get()
		rec.Dateline = nl.DateLine.get()
		rec.Creditline = nl.CreditLine.get()
		rec.Slugline = nl.SlugLine.get()
		rec.CopyrightLine = nl.CopyrightLine.get()
		var kw []string
		for _, k := range nl.KeywordLines {
			if s := k.get(); s != "" {
				kw = append(kw, s)
			}
		}
		rec.Keywords = strings.Join(kw, ", ")
	}

	if admin := pic.AdministrativeMetadata; admin != nil {
		for _, p := range admin.Properties {
			switch p.FormalName {
			case "Edition":
				rec.Edition = p.value()
			case "Location":
				rec.Location = p.value()
			case "PageNumber":
				rec.PageNumber = p.value()
			}
		}
	}

	if desc := pic.DescriptiveMetadata; desc != nil {
		rec.Language = desc.Language.name()
		if desc.SubjectCode != nil {
			rec.Subject = desc.SubjectCode.Subject.name()
		}
		for _, p := range desc.Properties {
			switch p.FormalName {
			case "Processed":
				rec.Processed = p.value()
			case "Published":
				rec.Published = p.value()
			case "Location":
				for _, nested := range p.Properties {
					switch nested.FormalName {
					case "Country":
						rec.Country = nested.value()
					case "City":
						rec.CityMeta = nested.value()
					}
				}
			}
		}
	}

	rights := pic.UsageRights
	if pic.RightsMetadata != nil && pic.RightsMetadata.UsageRights != nil {
		rights = pic.RightsMetadata.UsageRights
	}
	if rights != nil {
		rec.UsageType = rights.UsageType.get()
		rec.RightsHolder = rights.RightsHolder.get()
		if rec.CopyrightLine == "" {
			for _, p := range rights.Properties {
				if p.FormalName == "CopyrightNotice" || p.FormalName == "Copyright" {
					rec.CopyrightLine = p.value()
					break
				}
			}
		}
	}

	for _, ci := range pic.ContentItems {
		mt := ci.MediaType.name()
		if mt != "HIGHRES" && mt != "Picture" {
			continue
		}
		rec.ImageHref = strings.TrimSpace(ci.Href)
		if ch := ci.Characteristics; ch != nil {
			rec.ImageSize = ch.SizeInBytes.get()
			for _, p := range ch.Properties {
				switch strings.ToLower(p.FormalName) {
				case "width":
					rec.ImageWidth = p.value()
				case "height":
					rec.ImageHeight = p.value()
				}
			}
		}
		break
	}

	return rec, nil
}

// findPictureComponent descends the component tree and returns the first
// component whose Role is PICTURE.
func findPictureComponent(comps []newsComponent) *newsComponent {
	for i := range comps {
		c := &comps[i]
		if c.Role.name() == "PICTURE" {
			return c
		}
		if found := findPictureComponent(c.Components); found != nil {
			return found
		}
	}
	return nil
}

var (
	yearSeg  = regexp.MustCompile(`^\d{4}$`)
	monthSeg = regexp.MustCompile(`^\d{2}$`)
)

// deriveProvenance extracts city/year/month from the origin's path
// segments. The first 4-digit segment is the year, the segment before it
// the city, and the segment after it the month when it is two digits.
func deriveProvenance(origin string) (city, year, month string) {
	path := origin
	if u, err := url.Parse(origin); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		path = u.Path
	}
	segs := splitPathSegments(path)
	for i, s := range segs {
		if !yearSeg.MatchString(s) {
			continue
		}
		year = s
		if i > 0 {
			city = segs[i-1]
		}
		if i+1 < len(segs) && monthSeg.MatchString(segs[i+1]) {
			month = segs[i+1]
		}
		return city, year, month
	}
	return "", "", ""
}

func splitPathSegments(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
