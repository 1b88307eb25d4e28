package export

import (
	"sort"
	"strings"
)

// ExtIDNone is the sentinel meaning "enrolled without an external ID".
// It serializes as an empty value.
const ExtIDNone = "<none>"

// SerializeDataGroups serializes data groups as a comma-delimited list.
// Order doesn't matter for data groups, so they are sorted alphabetically
// to get a canonical, diff-stable ordering.
func SerializeDataGroups(dataGroups []string) string {
	sorted := make([]string, len(dataGroups))
	copy(sorted, dataGroups)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// SerializeStudyMemberships serializes study memberships into a string of
// the form "|studyA=ext-A|studyB=|studyC=ext-C|" (here studyB has no
// external ID). Entries are sorted by the rendered "key=value" pair.
//
// If a study ID filter is given, only that study's membership is
// serialized. Empty or absent memberships yield "".
func SerializeStudyMemberships(studyIDFilter string, memberships map[string]string) string {
	if len(memberships) == 0 {
		return ""
	}

	var studyIDs []string
	if studyIDFilter != "" {
		if _, ok := memberships[studyIDFilter]; !ok {
			return ""
		}
		studyIDs = []string{studyIDFilter}
	} else {
		for studyID := range memberships {
			studyIDs = append(studyIDs, studyID)
		}
		sort.Strings(studyIDs)
	}

	pairs := make([]string, 0, len(studyIDs))
	for _, studyID := range studyIDs {
		extID := memberships[studyID]
		if extID == ExtIDNone {
			extID = ""
		}
		pairs = append(pairs, studyID+"="+extID)
	}
	sort.Strings(pairs)
	return "|" + strings.Join(pairs, "|") + "|"
}
