// Package job models generation jobs and submits them to the compute service.
//
// A Definition names an API-format workflow template plus the parameters
// injected into it ({{prompt}}, {{negative_prompt}}, {{image}}, {{prefix}}).
// Submitter turns a Definition into a queued prompt and returns a Handle, or a
// *SubmissionError whose Kind tells malformed definitions from an unavailable
// service.
package job
