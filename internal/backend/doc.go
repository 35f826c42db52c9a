// Package backend defines the contract every downloader implements, the
// registry through which concrete downloaders announce themselves, and the
// Router that picks one downloader per URL using ordered regular expressions.
//
// Downloader authors need to:
//  1. implement Backend in internal/backend/<type>/;
//  2. call MustRegister with a Factory from init();
//  3. return Failure for permanent problems, Empty for anything worth retrying
//     later, and Files with absolute paths the caller may move or delete;
//  4. implement Cleaner when files are staged in a per-key work directory.
//
// The zero Result has KindInvalid and is rejected by the normalizer.
//
// Backends own their polling and retry budgets; the caller never imposes a
// second timeout, so Fetch must always return eventually.
package backend
