package resume

import (
	"encoding/json"
	"time"
)

// StringList tolerates both `"text"` and `["a", "b"]` in extracted JSON.
// The AI parser has produced both shapes over time; the canonical form is
// the array.
type StringList []string

// UnmarshalJSON accepts a single string, an array of strings, or null.
func (l *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
		} else {
			*l = StringList{s}
		}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = StringList(items)
	return nil
}

// PersonalInfo 简历上的联系方式。
type PersonalInfo struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
}

// Education is one education entry. Year may be a single year or a range.
type Education struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree"`
	Field       string `json:"field"`
	Year        string `json:"year"`
	Location    string `json:"location"`
	Grade       string `json:"grade"`
	Description string `json:"description"`
}

// Experience is one work entry. Older extractions used "position", the AI
// parser emits "title"; Normalize backfills whichever is missing. Dates are
// free-form strings ("Jan 2020", "Present").
type Experience struct {
	Company      string     `json:"company"`
	Position     string     `json:"position,omitempty"`
	Title        string     `json:"title,omitempty"`
	Location     string     `json:"location"`
	StartDate    string     `json:"startDate"`
	EndDate      string     `json:"endDate"`
	Current      bool       `json:"current"`
	Description  StringList `json:"description"`
	Technologies []string   `json:"technologies,omitempty"`
}

// Project is one project entry. Link is the AI parser's alternative to URL.
type Project struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Technologies []string `json:"technologies,omitempty"`
	URL          string   `json:"url,omitempty"`
	Link         string   `json:"link,omitempty"`
	Duration     string   `json:"duration,omitempty"`
	Highlights   []string `json:"highlights,omitempty"`
}

// Certification is one certification entry.
type Certification struct {
	Name         string `json:"name"`
	Issuer       string `json:"issuer"`
	Date         string `json:"date,omitempty"`
	ExpiryDate   string `json:"expiryDate,omitempty"`
	CredentialID string `json:"credentialId,omitempty"`
	Link         string `json:"link,omitempty"`
}

// Skills 按类别分组的技能列表。
type Skills struct {
	Technical  []string `json:"technical"`
	Soft       []string `json:"soft"`
	Languages  []string `json:"languages"`
	Tools      []string `json:"tools"`
	Frameworks []string `json:"frameworks"`
}

// Language is a spoken language with a proficiency level.
type Language struct {
	Name        string `json:"name"`
	Proficiency string `json:"proficiency"`
}

// SocialLinks 简历上的社交链接。
type SocialLinks struct {
	LinkedIn      string `json:"linkedin,omitempty"`
	GitHub        string `json:"github,omitempty"`
	Portfolio     string `json:"portfolio,omitempty"`
	Twitter       string `json:"twitter,omitempty"`
	Medium        string `json:"medium,omitempty"`
	StackOverflow string `json:"stackoverflow,omitempty"`
}

// ParsedData is the structured extraction of one resume. It is written once
// by the parse worker and only changed afterwards by explicit merge edits;
// the version store treats it as an opaque blob.
type ParsedData struct {
	PersonalInfo   PersonalInfo    `json:"personalInfo"`
	Summary        string          `json:"summary,omitempty"`
	Education      []Education     `json:"education"`
	Experience     []Experience    `json:"experience"`
	Projects       []Project       `json:"projects"`
	Certifications []Certification `json:"certifications"`
	Skills         Skills          `json:"skills"`
	Languages      []Language      `json:"languages,omitempty"`
	Achievements   []string        `json:"achievements,omitempty"`
	SocialLinks    *SocialLinks    `json:"socialLinks,omitempty"`
}

// AIAnalysis holds the scoring produced after extraction.
type AIAnalysis struct {
	OverallScore          int        `json:"overallScore"`
	Strengths             []string   `json:"strengths"`
	Weaknesses            []string   `json:"weaknesses"`
	Suggestions           []string   `json:"suggestions"`
	KeyHighlights         []string   `json:"keyHighlights,omitempty"`
	MissingElements       []string   `json:"missingElements,omitempty"`
	ATSCompatibilityScore int        `json:"atsCompatibilityScore"`
	AnalyzedAt            *time.Time `json:"analyzedAt,omitempty"`
}

// Normalize reconciles the historical field variants into the canonical
// shape: Position is authoritative for experiences, URL for projects.
func (p *ParsedData) Normalize() {
	for i := range p.Experience {
		exp := &p.Experience[i]
		if exp.Position == "" {
			exp.Position = exp.Title
		}
		if exp.Title == "" {
			exp.Title = exp.Position
		}
	}
	for i := range p.Projects {
		proj := &p.Projects[i]
		if proj.URL == "" {
			proj.URL = proj.Link
		}
	}
}
