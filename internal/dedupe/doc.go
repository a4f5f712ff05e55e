// Package dedupe keeps a bounded, time-limited window of inbound message IDs
// that were already accepted, keyed per user. The intake gate consults it in
// addition to the fingerprint stored on the conversation record, so a
// transport redelivering an older message is rejected as well.
package dedupe
