package imapfetch

import (
	"reflect"
	"testing"
)

func TestChunks(t *testing.T) {
	uids := func(n int) []uint32 {
		l := make([]uint32, n)
		for i := range l {
			l[i] = uint32(i + 1)
		}
		return l
	}

	check := func(n, size int, want []int) {
		t.Helper()
		got := chunks(uids(n), size)
		var sizes []int
		for _, b := range got {
			sizes = append(sizes, len(b))
		}
		if !reflect.DeepEqual(sizes, want) {
			t.Fatalf("chunks of %d mails with size %d: got batches %v, want %v", n, size, sizes, want)
		}
	}

	check(120, 50, []int{50, 50, 20})
	check(120, 120, []int{120})
	check(120, 1000, []int{120})
	check(5, 5, []int{5})
	check(3, 2, []int{2, 1})
	if got := chunks(uids(120), 1); len(got) != 120 {
		t.Fatalf("chunk size 1: got %d batches, want one request per mail", len(got))
	}
	if got := chunks(nil, 50); got != nil {
		t.Fatalf("chunks of empty folder: got %v, want none", got)
	}

	// All uids must survive the split, in order.
	var flat []uint32
	for _, b := range chunks(uids(7), 3) {
		flat = append(flat, b...)
	}
	if !reflect.DeepEqual(flat, uids(7)) {
		t.Fatalf("got uids %v after split", flat)
	}
}

func TestDecodeSubject(t *testing.T) {
	check := func(input, want string) {
		t.Helper()
		if got := decodeSubject(input); got != want {
			t.Fatalf("decoding subject %q: got %q, want %q", input, got, want)
		}
	}

	check("", "")
	check("Report Domain: example.org", "Report Domain: example.org")
	check("=?UTF-8?B?YWJj?=", "abc")
	check("=?UTF-8?Q?Best=C3=A4tigen?=", "Bestätigen")
	check("=?utf-8?b?YWJj?= =?utf-8?q?=C3=A4?=", "abcä")
	check("=?ISO-8859-1?Q?a=E4?=", "aä")
	// Broken words stay as they are.
	check("=?foo?z?a?=", "=?foo?z?a?=")
}
