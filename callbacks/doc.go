// Package callbacks implements the hooks that run around every dispatched
// invocation.
//
// A Callback inspects a Context and either lets the invocation continue
// (nil replacement) or substitutes a response. Callbacks are grouped into
// ordered Chains, one per Type; the first replacement ends the chain.
//
// Callback definitions are persisted as Records in the record store so they
// can be listed and edited at runtime. A Catalog maps each record's
// Implementation to a constructor, and Build turns the stored records into
// the chains the router runs.
package callbacks
