package main

import "marketrush/internal/engine"

// The scripted market every run plays against. Prices are in credits;
// each level reshuffles which symbols pump and which crater so no single
// buy-and-hold line wins the whole run.

func defaultStocks() []engine.StockInit {
	return []engine.StockInit{
		{Name: "NIMBUS", PriceMicros: engine.CreditsToMicros(50)},
		{Name: "QUARTZ", PriceMicros: engine.CreditsToMicros(120)},
		{Name: "VOLTA", PriceMicros: engine.CreditsToMicros(35)},
		{Name: "DRIFT", PriceMicros: engine.CreditsToMicros(80)},
		{Name: "ORCA", PriceMicros: engine.CreditsToMicros(210)},
	}
}

func defaultSchedule() engine.Schedule {
	at := func(sec int, stock string, credits float64) engine.ScheduleEntry {
		return engine.ScheduleEntry{Stock: stock, TargetMicros: engine.CreditsToMicros(credits), AtSecond: sec}
	}
	return engine.Schedule{
		0: {
			at(10, "NIMBUS", 55), at(25, "VOLTA", 31), at(40, "NIMBUS", 62), at(50, "QUARTZ", 112),
		},
		1: {
			at(8, "QUARTZ", 131), at(20, "DRIFT", 71), at(35, "ORCA", 228), at(48, "VOLTA", 39),
		},
		2: {
			at(12, "DRIFT", 92), at(22, "NIMBUS", 54), at(38, "DRIFT", 104), at(52, "ORCA", 201),
		},
		3: {
			at(6, "VOLTA", 47), at(18, "QUARTZ", 118), at(33, "VOLTA", 55), at(45, "NIMBUS", 49),
		},
		4: {
			at(10, "ORCA", 242), at(26, "DRIFT", 95), at(40, "QUARTZ", 101), at(55, "ORCA", 259),
		},
		5: {
			at(9, "NIMBUS", 44), at(21, "VOLTA", 61), at(36, "QUARTZ", 126), at(50, "DRIFT", 83),
		},
		6: {
			at(14, "QUARTZ", 143), at(28, "ORCA", 238), at(42, "NIMBUS", 57), at(53, "VOLTA", 52),
		},
		7: {
			at(7, "DRIFT", 74), at(19, "NIMBUS", 68), at(34, "ORCA", 265), at(49, "QUARTZ", 134),
		},
		8: {
			at(11, "VOLTA", 44), at(24, "DRIFT", 101), at(39, "NIMBUS", 75), at(54, "ORCA", 247),
		},
		9: {
			at(8, "QUARTZ", 152), at(20, "VOLTA", 67), at(32, "DRIFT", 112), at(44, "NIMBUS", 83),
			at(55, "ORCA", 281),
		},
	}
}
