package rfc9111

import (
	"net/http"
	"strings"
)

// §  4.1.  Calculating Cache Keys with the Vary Header Field
// §
// §     When a cache receives a request that can be satisfied by a stored
// §     response and that stored response contains a Vary header field
// §     (Section 12.5.5 of [HTTP]), the cache MUST NOT use that stored
// §     response without revalidation unless all the presented request header
// §     fields nominated by that Vary field value match those fields in the
// §     original request (i.e., the request that caused the cached response
// §     to be stored).

// VaryFields returns the lower-cased field names nominated by the response's
// Vary header, in order of appearance and without duplicates.
// A "*" member is returned as is.
func VaryFields(res *http.Response) []string {
	seen := make(map[string]bool)
	fields := make([]string, 0)
	for _, name := range GetListHeader(res.Header, "Vary") {
		name = strings.ToLower(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		fields = append(fields, name)
	}
	return fields
}

// §     A stored response with a Vary header field value containing a member
// §     "*" always fails to match.
func VaryStar(res *http.Response) bool {
	for _, name := range VaryFields(res) {
		if name == "*" {
			return true
		}
	}
	return false
}

// §     If (after any normalization that might take place) a header field is
// §     absent from a request, it can only match another request if it is
// §     also absent there.
func FieldAbsent(header http.Header, name string) bool {
	return len(header.Values(name)) == 0
}

// FieldValue returns the normalized value of a (possibly repeated) field.
//
// §     *  combining multiple header field lines with the same field name
// §        (see Section 5.2 of [HTTP])
func FieldValue(header http.Header, name string) string {
	return strings.Join(GetListHeader(header, name), ", ")
}

// GetListHeader splits all values of a list-based field into its members.
// §     *  adding or removing whitespace, where allowed in the header field's
// §        syntax
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
