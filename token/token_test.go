package token

import "testing"

func TestBranchNumberAndJoinKey(t *testing.T) {
	cases := []struct {
		id       int32
		branch   int32
		joinKey  int32
		isChild  bool
	}{
		{1000000, 0, 1000000, false},
		{1000001, 1, 1000000, true},
		{1000099, 99, 1000000, true},
		{2000003, 3, 2000000, true},
	}

	for _, c := range cases {
		if got := BranchNumber(c.id); got != c.branch {
			t.Errorf("BranchNumber(%d) = %d, want %d", c.id, got, c.branch)
		}
		if got := JoinKey(c.id); got != c.joinKey {
			t.Errorf("JoinKey(%d) = %d, want %d", c.id, got, c.joinKey)
		}
		if got := IsChild(c.id); got != c.isChild {
			t.Errorf("IsChild(%d) = %v, want %v", c.id, got, c.isChild)
		}
	}
}

func TestNewChildID(t *testing.T) {
	parent := int32(2000000)
	for branch := int32(1); branch <= 3; branch++ {
		child := NewChildID(parent, branch)
		if BranchNumber(child) != branch {
			t.Errorf("NewChildID(%d, %d) branch = %d, want %d", parent, branch, BranchNumber(child), branch)
		}
		if JoinKey(child) != parent {
			t.Errorf("NewChildID(%d, %d) joinKey = %d, want %d", parent, branch, JoinKey(child), parent)
		}
	}
}
