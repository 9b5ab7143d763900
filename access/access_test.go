package access

import "testing"

func mintTestPrincipal(t *testing.T, arena *Arena, kind Kind, name string) PKR {
	t.Helper()
	pkr, err := arena.Mint(kind, name, nil)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return pkr
}

func TestPKREqualityIsIdentity(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	a := mintTestPrincipal(t, arena, KindResource, "svc-a")
	b := mintTestPrincipal(t, arena, KindResource, "svc-b")

	if a == b {
		t.Fatal("distinct principals must not compare equal")
	}
	if a != a {
		t.Fatal("a PKR must equal itself")
	}
}

func TestArenaOwnerResolvesThroughIndex(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	owner := mintTestPrincipal(t, arena, KindTopLevel, "parent")
	child, err := arena.Mint(KindResource, "child", &owner)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	resolved, ok := arena.Owner(child)
	if !ok {
		t.Fatal("expected child to resolve an owner")
	}
	if resolved != owner {
		t.Fatal("resolved owner did not match the minting owner")
	}

	if _, ok := arena.Owner(owner); ok {
		t.Fatal("top-level principal minted with nil owner should have none")
	}
}

func TestKernelPKRAlwaysCanAccess(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	kernelPKR := mintTestPrincipal(t, arena, KindKernel, "kernel")
	target := mintTestPrincipal(t, arena, KindResource, "svc")

	ctl := New(kernelPKR)
	if !ctl.CanAccess(kernelPKR, target, Read) {
		t.Fatal("kernel must always have read access")
	}
	if !ctl.CanAccess(kernelPKR, target, Write) {
		t.Fatal("kernel must always have write access")
	}
}

func TestSelfAccessAlwaysAllowed(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	kernelPKR := mintTestPrincipal(t, arena, KindKernel, "kernel")
	svc := mintTestPrincipal(t, arena, KindResource, "svc")

	ctl := New(kernelPKR)
	if !ctl.CanAccess(svc, svc, Write) {
		t.Fatal("a principal must always be able to access itself")
	}
}

func TestDefaultDenyForStranger(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	kernelPKR := mintTestPrincipal(t, arena, KindKernel, "kernel")
	svc := mintTestPrincipal(t, arena, KindResource, "svc")
	stranger := mintTestPrincipal(t, arena, KindResource, "stranger")

	ctl := New(kernelPKR)
	if ctl.CanAccess(stranger, svc, Read) {
		t.Fatal("an unrelated principal must not have read access by default")
	}
}

func TestWriterImpliesReader(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	kernelPKR := mintTestPrincipal(t, arena, KindKernel, "kernel")
	svc := mintTestPrincipal(t, arena, KindResource, "svc")
	friend := mintTestPrincipal(t, arena, KindFriend, "friend")

	ctl := New(kernelPKR)
	ctl.Grant(svc, friend, Write)

	if !ctl.CanAccess(friend, svc, Write) {
		t.Fatal("expected write access after granting write")
	}
	if !ctl.CanAccess(friend, svc, Read) {
		t.Fatal("a writer must implicitly have read access")
	}
}

func TestAccessMonotonicityAfterRevoke(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	kernelPKR := mintTestPrincipal(t, arena, KindKernel, "kernel")
	svc := mintTestPrincipal(t, arena, KindResource, "svc")
	p := mintTestPrincipal(t, arena, KindFriend, "p")

	ctl := New(kernelPKR)
	ctl.Grant(svc, p, Write)
	if !ctl.CanAccess(p, svc, Write) {
		t.Fatal("expected write access after grant")
	}

	ctl.Revoke(svc, p, Write)
	if ctl.CanAccess(p, svc, Write) {
		t.Fatal("revoking write must make every subsequent write send fail")
	}
}

func TestReaderGrantDoesNotImplyWriter(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	kernelPKR := mintTestPrincipal(t, arena, KindKernel, "kernel")
	svc := mintTestPrincipal(t, arena, KindResource, "svc")
	p := mintTestPrincipal(t, arena, KindFriend, "p")

	ctl := New(kernelPKR)
	ctl.Grant(svc, p, Read)

	if !ctl.CanAccess(p, svc, Read) {
		t.Fatal("expected read access after granting read")
	}
	if ctl.CanAccess(p, svc, Write) {
		t.Fatal("a reader must not have write access")
	}
}

func TestFingerprintIsShortAndStable(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	p := mintTestPrincipal(t, arena, KindResource, "svc")
	a := p.Fingerprint()
	b := p.Fingerprint()
	if a == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if a != b {
		t.Fatal("fingerprint must be stable for the same PKR")
	}
	if len(a) > 16 {
		t.Fatalf("expected a short fingerprint, got %d chars: %s", len(a), a)
	}
}
