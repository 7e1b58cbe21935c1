// Package dispatch delivers reminder text to chats.
//
// Every send is rate limited and retried a bounded number of times inside
// the call. Deliver adds at-most-once semantics per occurrence instant and
// chat: the claim is recorded in memory and in the DedupStore before the
// send, so a restart or a duplicate trigger does not repeat a reminder.
package dispatch
