package study

// SharingScope is the participant's data sharing consent level.
type SharingScope string

const (
	SharingScopeNoSharing               SharingScope = "no_sharing"
	SharingScopeSponsorsAndPartners     SharingScope = "sponsors_and_partners"
	SharingScopeAllQualifiedResearchers SharingScope = "all_qualified_researchers"
)

// DemographicResponse is a participant's answer to one demographic
// category. A response can carry multiple values (multiple-choice) and an
// optional unit.
type DemographicResponse struct {
	Values []string
	Units  *string
}

// ParticipantVersion is an immutable snapshot of a participant's profile
// at a point in time. Optional fields are pointers; nil means the field is
// absent and must be omitted from exported rows.
type ParticipantVersion struct {
	HealthCode         *string
	ParticipantVersion *int
	CreatedOn          *int64 // epoch milliseconds
	ModifiedOn         *int64 // epoch milliseconds
	DataGroups         []string
	Languages          []string
	SharingScope       *SharingScope
	// StudyMemberships maps study ID to external ID, or the "<none>"
	// sentinel for participants enrolled without one. Withdrawn
	// enrollments are excluded upstream.
	StudyMemberships map[string]string
	TimeZone         *string
	// AppDemographics maps demographic category name to the response.
	AppDemographics map[string]*DemographicResponse
}

// PartialRow is a sparse warehouse table row: column ID to string value.
// Columns with no value are simply absent.
type PartialRow map[string]string

// Assessment is the descriptor of an assessment whose results may be
// summarized. FrameworkIdentifier tells which summarizer understands it.
type Assessment struct {
	GUID                string
	Identifier          string
	Title               string
	FrameworkIdentifier string
	// Config is the assessment's serialized JSON configuration blob, as
	// returned by the platform REST API. May be empty.
	Config []byte
}
