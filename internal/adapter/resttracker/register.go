package resttracker

import "github.com/Strob0t/mesync/internal/port/tracker"

func init() {
	tracker.Register(adapterName, func(cfg map[string]string) (tracker.Tracker, error) {
		return New(cfg["base_url"], cfg["token"])
	})
}
