// Package secrets masks credentials in text that leaves goalkeeper:
// failure reports, commit comments, stored goal errors and hook output.
//
// Detection combines the gitleaks default rule set with goalkeeper rules
// for credentials that appear in build and git output.
package secrets
