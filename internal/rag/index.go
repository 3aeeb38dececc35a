// Package rag names tenant-scoped vector indexes and talks to the vector
// engine that stores them.
package rag

import "strings"

const separator = "__"

// IndexName returns the index identity for a (tenant, use case, source)
// triple, e.g. "tenant_a__support__kb".
//
// Each component is escaped before joining: '%' becomes "%25", and an '_'
// at either edge of a component or next to another '_' becomes "%5F". No
// escaped component then contains the separator or touches it, so distinct
// triples always produce distinct names. Ordinary ids pass through unchanged.
func IndexName(tenantID, useCase, source string) string {
	return escape(tenantID) + separator + escape(useCase) + separator + escape(source)
}

func escape(s string) string {
	if !strings.ContainsAny(s, "%_") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteString("%25")
		case c == '_' && needsEscape(s, i):
			b.WriteString("%5F")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func needsEscape(s string, i int) bool {
	if i == 0 || i == len(s)-1 {
		return true
	}
	return s[i-1] == '_' || s[i+1] == '_'
}
