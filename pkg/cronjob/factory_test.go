package cronjob

import "testing"

func TestURLComposesBothFlagsAsOneQueryString(t *testing.T) {
	r := Request{OpType: "scale", AddLabel: true, Scheduler: true}
	got := r.URL()
	want := "https://kubedoor-agent.kubedoor/api/scale?add_label=true&scheduler=true"
	if got != want {
		t.Fatalf("URL() = %q, want %q", got, want)
	}
}

func TestURLWithNoFlagsHasNoQueryString(t *testing.T) {
	r := Request{OpType: "restart"}
	if got := r.URL(); got != "https://kubedoor-agent.kubedoor/api/restart" {
		t.Fatalf("URL() = %q", got)
	}
}

func TestNameReflectsOnceVsCron(t *testing.T) {
	once := Request{OpType: "scale", DeploymentName: "web", TimeExpr: &TimeExpr{Minute: 0, Hour: 2, Day: 1, Month: 1}}
	if got := once.Name(); got != "scale-once-web" {
		t.Fatalf("Name() = %q", got)
	}

	recurring := Request{OpType: "restart", DeploymentName: "web", CronExpr: "0 2 * * *"}
	if got := recurring.Name(); got != "restart-cron-web" {
		t.Fatalf("Name() = %q", got)
	}
}

func TestScheduleFromTimeExpr(t *testing.T) {
	r := Request{TimeExpr: &TimeExpr{Year: 2026, Month: 8, Day: 1, Hour: 3, Minute: 15}}
	if got := r.Schedule(); got != "15 3 1 8 *" {
		t.Fatalf("Schedule() = %q", got)
	}
}
