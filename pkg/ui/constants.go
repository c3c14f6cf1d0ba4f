package ui

// Table Column Titles
const (
	ColModel   = "MODEL"
	ColTarget  = "TARGET"
	ColFixed   = "FIXED"
	ColAuto    = "AUTO"
	ColNetwork = "NET"
	ColStatus  = "STATUS"
	ColActive  = "ACTIVE"
	ColTraffic = "TRAFFIC"
)

// Key hints
const (
	HelpWide   = "Space: Start/Stop | E: Edit Port | A: Auto | N: Network | D: Delete | C: Copy | /: Filter | Ctrl+R: Refresh | Q: Quit"
	HelpNarrow = "Space:Start/Stop | E:Edit | A:Auto | N:Net | D:Del | C:Copy | /:Filter | Q:Quit"
)

// Keyboard shortcuts
const (
	ShortcutRefresh = "ctrl+r"
)

// Numeric Constants for Layout/Indexing
const (
	MinTableHeight = 4 // Minimum height for tables after calculation
	LogPaneLines   = 5 // Event lines shown under the table
	MaxLogLines    = 200
	// RowsViewOffset is the non-table lines in the rows view: title, blank,
	// filter box, edit/message lines and the log pane with its border.
	RowsViewOffset = 10 + LogPaneLines
	WideLayout     = 100
)

// Lipgloss Colors
const (
	ColorBorder     = "240"
	ColorSelectedFg = "229"
	ColorSelectedBg = "57"
	ColorTitle      = "14"  // Cyan for titles
	ColorHelp       = "245" // Grey for help text
	ColorError      = "9"   // Red for errors
	ColorStatus     = "10"  // Green
	ColorEdit       = "11"  // Yellow
	ColorInactive   = "8"
)
