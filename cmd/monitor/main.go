package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"stackyard/internal/domain"
)

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "warehoused base URL")
	interval := flag.Duration("interval", time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start warehoused in the same monitor process lifecycle")
	serverBinary := flag.String("server-bin", "", "path to warehoused binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded warehoused")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedServer
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedServer(*addr, *serverBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded warehoused: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "warehoused health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	ordersTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	ordersTable.SetTitle("Orders (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	carsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	carsView.SetTitle("Cars").SetBorder(true)

	stacksView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stacksView.SetTitle("Stack heights").SetBorder(true)

	trailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true)
	trailView.SetTitle("Status trail").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Order items: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit batch (12-34-56, ';' between orders)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus orders",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(carsView, 0, 1, false).
		AddItem(stacksView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 2, false).
		AddItem(trailView, 0, 2, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(ordersTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedOrderID string
	var lastOrders []domain.OrderRecord
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshFloor := func() {
		cars, carsErr := c.listCars()
		stacks, stacksErr := c.stacks()
		status, statusErr := c.status()
		app.QueueUpdateDraw(func() {
			if carsErr != nil {
				carsView.SetText(fmt.Sprintf("error: %v", carsErr))
			} else {
				carsView.SetText(renderCars(cars))
			}
			if stacksErr != nil {
				stacksView.SetText(fmt.Sprintf("error: %v", stacksErr))
			} else {
				stacksView.SetText(renderHeights(stacks, cars))
			}
			if statusErr != nil {
				trailView.SetText(fmt.Sprintf("error: %v", statusErr))
			} else {
				trailView.SetText(renderTrail(status, 200))
				trailView.ScrollToEnd()
			}
		})
	}

	refreshOrders := func() {
		orders, err := c.listOrders(200)
		if err != nil {
			app.QueueUpdateDraw(func() {
				ordersTable.Clear()
				ordersTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastOrders = orders
		app.QueueUpdateDraw(func() {
			renderOrdersTable(ordersTable, orders, selectedOrderID)
		})
	}

	refreshDetailsAsync := func(orderID string) {
		if strings.TrimSpace(orderID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			items, err := c.listOrderDecisions(selected, 250)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedOrderID {
					return
				}
				if err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				decisionsView.SetTitle("Decisions " + shortID(selected))
				decisionsView.SetText(renderDecisions(items))
			})
		}(orderID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		orders, err := parseBatchPrompt(prompt)
		if err != nil {
			setStatusUI("Invalid order: " + err.Error())
			return
		}
		setStatusUI("Submitting batch...")
		promptInput.SetText("")
		go func() {
			batchID, err := c.submitOrders(orders)
			if err != nil {
				setStatusAsync("Batch rejected: " + err.Error())
				return
			}
			refreshOrders()
			if len(lastOrders) > 0 {
				selectedOrderID = lastOrders[0].ID
				refreshDetailsAsync(selectedOrderID)
			}
			setStatusAsync("Batch accepted: " + shortID(batchID))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	ordersTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastOrders) {
			return
		}
		selectedOrderID = lastOrders[row-1].ID
		refreshDetailsAsync(selectedOrderID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(ordersTable)
				setStatusUI("Focus -> orders")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(ordersTable)
			setStatusUI("Focus -> orders")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshOrders()
				refreshFloor()
				refreshDetailsAsync(selectedOrderID)
			}()
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshOrders()
		refreshFloor()
		if len(lastOrders) > 0 {
			selectedOrderID = lastOrders[0].ID
			refreshDetailsAsync(selectedOrderID)
		}

		for range ticker.C {
			refreshOrders()
			refreshFloor()
			if selectedOrderID == "" && len(lastOrders) > 0 {
				selectedOrderID = lastOrders[0].ID
			}
			refreshDetailsAsync(selectedOrderID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, dbPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", "127.0.0.1:" + port, "--db", dbPath}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			for _, name := range []string{"warehoused", "warehoused.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/warehoused"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start warehoused process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
