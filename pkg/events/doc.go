// Package events answers leisure requests from bot users.
//
// Every request registers the user on first contact and is stored with
// the user's recent history. Depending on configuration the reply is
// either a plain acknowledgement or an answer produced by the search agent
// from the recent history and the current request.
package events
