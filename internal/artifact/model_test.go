package artifact

import (
	"database/sql"
	"testing"
	"time"

	appErr "codetier/pkg/errors"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"solution", KindSolution, false},
		{"testcase", KindTestCase, false},
		{"Solution", "", true},
		{"", "", true},
		{"binary", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKind(tt.input)
			if tt.wantErr {
				if appErr.GetCode(err) != appErr.InvalidArtifactKind {
					t.Errorf("ParseKind(%q) code = %d, want InvalidArtifactKind", tt.input, appErr.GetCode(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestGroupValue(t *testing.T) {
	t.Parallel()
	if v := groupValue(GroupUnassigned); v != nil {
		t.Errorf("groupValue(unassigned) = %v, want nil", v)
	}
	if v := groupValue(3); v != 3 {
		t.Errorf("groupValue(3) = %v, want 3", v)
	}
}

// fakeRow plays back one artifact row.
type fakeRow struct {
	group sql.NullInt64
}

func (f fakeRow) Scan(dest ...interface{}) error {
	now := time.Now()
	*dest[0].(*string) = "id-1"
	*dest[1].(*string) = "course-1"
	*dest[2].(*string) = "a1"
	*dest[3].(*string) = "author-1"
	*dest[4].(*string) = "author-1@example.com"
	*dest[5].(*Role) = RoleStudent
	*dest[6].(*Kind) = KindTestCase
	*dest[7].(*string) = "course-1/a1/author-1_testcase"
	*dest[8].(*string) = "rev-1"
	*dest[9].(*Validity) = ValidityPending
	*dest[10].(*sql.NullInt64) = f.group
	*dest[11].(*time.Time) = now
	*dest[12].(*time.Time) = now
	return nil
}

func TestScanArtifactGroupSentinel(t *testing.T) {
	t.Parallel()
	a, err := scanArtifact(fakeRow{})
	if err != nil {
		t.Fatalf("scanArtifact() error = %v", err)
	}
	if a.GroupNumber != GroupUnassigned {
		t.Errorf("NULL group scanned to %d, want sentinel %d", a.GroupNumber, GroupUnassigned)
	}

	a, err = scanArtifact(fakeRow{group: sql.NullInt64{Int64: 2, Valid: true}})
	if err != nil {
		t.Fatalf("scanArtifact() error = %v", err)
	}
	if a.GroupNumber != 2 {
		t.Errorf("group scanned to %d, want 2", a.GroupNumber)
	}
}
