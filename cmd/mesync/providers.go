package main

// Tracker blank imports. Each import activates a self-registering adapter
// selectable through tracker.adapter.

import (
	_ "github.com/Strob0t/mesync/internal/adapter/resttracker"
)
