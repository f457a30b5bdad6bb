// Package clock abstracts time behind a small interface so that the
// periodic control-plane sweeps can be driven deterministically in
// tests with a fake clock.
package clock
