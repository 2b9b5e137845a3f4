package score

import "testing"

func TestComputeOffWhenFeatureDisabled(t *testing.T) {
	got := Compute(Inputs{DesignB: false, RequiredOK: true, ValidatorsOK: true, TestsOK: true})
	if got != 0 {
		t.Errorf("Compute with DesignB=false = %d, want 0", got)
	}
}

func TestComputeHardInvalid(t *testing.T) {
	got := Compute(Inputs{DesignB: true, HardInvalid: true, RequiredOK: true, ValidatorsOK: true, TestsOK: true})
	if got != -1 {
		t.Errorf("Compute with HardInvalid = %d, want -1", got)
	}
}

func TestComputeCleanBaseline(t *testing.T) {
	got := Compute(Inputs{
		DesignB:      true,
		RequiredOK:   true,
		ValidatorsOK: true,
		TestsOK:      true,
	})
	if got != 100 {
		t.Errorf("clean baseline score = %d, want 100", got)
	}
}

func TestComputePenaltiesAndChangedFilesBudget(t *testing.T) {
	got := Compute(Inputs{
		DesignB:            true,
		RequiredOK:         true,
		ValidatorsOK:       true,
		TestsOK:            true,
		RetriesBeyondFirst: 2,
		FixerRuns:          1,
		ChangedFilesTotal:  25,
	})
	// 100 - 5*2 - 10*1 - (25-20) = 100 - 10 - 10 - 5 = 75
	want := 75
	if got != want {
		t.Errorf("Compute = %d, want %d", got, want)
	}
}

func TestComputeClampsAtZero(t *testing.T) {
	got := Compute(Inputs{
		DesignB:            true,
		RequiredOK:         false,
		ValidatorsOK:       false,
		TestsOK:            false,
		RetriesBeyondFirst: 50,
		FixerRuns:          50,
	})
	if got != 0 {
		t.Errorf("Compute below zero should clamp to 0, got %d", got)
	}
}
