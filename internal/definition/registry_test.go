package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/careportal/model"
)

func testDefs() []model.DomainDefinition {
	return []model.DomainDefinition{
		{
			Domain:   "prescriptions",
			Version:  "1.0.0",
			Checksum: "abc123",
			Workflows: []model.WorkflowDefinition{
				{ID: "prescriptions.refill", Name: "Request a refill"},
				{ID: "prescriptions.write", Name: "Write a prescription"},
			},
		},
		{
			Domain:   "appointments",
			Version:  "1.0.0",
			Checksum: "def456",
			Workflows: []model.WorkflowDefinition{
				{ID: "appointments.book", Name: "Book an appointment"},
			},
		},
	}
}

func TestRegistry_GetDomain(t *testing.T) {
	r := NewRegistry(testDefs())

	d, ok := r.GetDomain("prescriptions")
	if !ok {
		t.Fatal("GetDomain(prescriptions) not found")
	}
	if len(d.Workflows) != 2 {
		t.Errorf("Workflows = %d, want 2", len(d.Workflows))
	}

	if _, ok := r.GetDomain("billing"); ok {
		t.Error("GetDomain(billing) should not be found")
	}
}

func TestRegistry_GetWorkflow(t *testing.T) {
	r := NewRegistry(testDefs())

	w, ok := r.GetWorkflow("appointments.book")
	if !ok {
		t.Fatal("GetWorkflow(appointments.book) not found")
	}
	if w.Name != "Book an appointment" {
		t.Errorf("Name = %q", w.Name)
	}

	if _, ok := r.GetWorkflow("appointments.cancel"); ok {
		t.Error("GetWorkflow(appointments.cancel) should not be found")
	}
}

func TestRegistry_AllWorkflows_sorted(t *testing.T) {
	r := NewRegistry(testDefs())

	all := r.AllWorkflows()
	want := []string{"appointments.book", "prescriptions.refill", "prescriptions.write"}
	if len(all) != len(want) {
		t.Fatalf("AllWorkflows() = %d, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("AllWorkflows()[%d] = %q, want %q", i, all[i].ID, id)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r := NewRegistry(testDefs())
	cs := r.Checksum()
	if cs == "" {
		t.Error("Checksum should not be empty")
	}

	reordered := testDefs()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	if NewRegistry(reordered).Checksum() != cs {
		t.Error("Checksum should not depend on load order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testDefs())

	if _, ok := r.GetWorkflow("prescriptions.refill"); !ok {
		t.Fatal("before replace: prescriptions.refill not found")
	}

	r.Replace(nil)

	if _, ok := r.GetWorkflow("prescriptions.refill"); ok {
		t.Error("after replace with nil: prescriptions.refill should not be found")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ConcurrentReadWrite(t *testing.T) {
	r := NewRegistry(testDefs())

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			for range 100 {
				r.GetWorkflow("prescriptions.refill")
				r.AllWorkflows()
				r.Checksum()
			}
		})
	}
	wg.Go(func() {
		for range 10 {
			r.Replace(testDefs())
		}
	})
	wg.Wait()
}
