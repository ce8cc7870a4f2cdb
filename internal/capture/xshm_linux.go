//go:build linux && cgo

package capture

/*
#cgo pkg-config: x11 xext xfixes
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int width;
	int height;
} shm_grabber;

static shm_grabber* shm_open_display(const char *display_name) {
	shm_grabber *g = (shm_grabber*)calloc(1, sizeof(shm_grabber));
	if (!g) return NULL;

	g->display = XOpenDisplay(display_name);
	if (!g->display) { free(g); return NULL; }

	int screen = DefaultScreen(g->display);
	g->root = RootWindow(g->display, screen);
	g->width = DisplayWidth(g->display, screen);
	g->height = DisplayHeight(g->display, screen);

	if (!XShmQueryExtension(g->display)) {
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->image = XShmCreateImage(g->display,
		DefaultVisual(g->display, screen),
		DefaultDepth(g->display, screen),
		ZPixmap, NULL, &g->shminfo,
		g->width, g->height);
	if (!g->image) {
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->shminfo.shmid = shmget(IPC_PRIVATE,
		g->image->bytes_per_line * g->image->height,
		IPC_CREAT | 0600);
	if (g->shminfo.shmid < 0) {
		XDestroyImage(g->image);
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->shminfo.shmaddr = g->image->data = (char*)shmat(g->shminfo.shmid, NULL, 0);
	g->shminfo.readOnly = False;

	if (!XShmAttach(g->display, &g->shminfo)) {
		shmdt(g->shminfo.shmaddr);
		shmctl(g->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(g->image);
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	// Removed once the last attachment goes away.
	shmctl(g->shminfo.shmid, IPC_RMID, NULL);

	return g;
}

static int shm_grab(shm_grabber *g) {
	if (!XShmGetImage(g->display, g->root, g->image, 0, 0, AllPlanes)) {
		return -1;
	}
	XSync(g->display, False);
	return 0;
}

static void shm_draw_cursor(shm_grabber *g) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(g->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot;
	int cy = cursor->y - cursor->yhot;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= g->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= g->width) continue;

			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 0) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = (pixel >> 16) & 0xFF;

			unsigned char *dst = (unsigned char*)g->image->data +
				dy * g->image->bytes_per_line + dx * 4;

			if (a == 255) {
				dst[0] = cb;
				dst[1] = cg;
				dst[2] = cr;
			} else {
				dst[0] = (cb * a + dst[0] * (255 - a)) / 255;
				dst[1] = (cg * a + dst[1] * (255 - a)) / 255;
				dst[2] = (cr * a + dst[2] * (255 - a)) / 255;
			}
		}
	}
	XFree(cursor);
}

// Copies the rectangle (x, y, w, h) of the last grab into dst, tightly packed.
static void shm_copy_rect(shm_grabber *g, unsigned char *dst, int x, int y, int w, int h) {
	for (int row = 0; row < h; row++) {
		memcpy(dst + row * w * 4,
			g->image->data + (y + row) * g->image->bytes_per_line + x * 4,
			w * 4);
	}
}

static void shm_close(shm_grabber *g) {
	if (!g) return;
	XShmDetach(g->display, &g->shminfo);
	shmdt(g->shminfo.shmaddr);
	XDestroyImage(g->image);
	XCloseDisplay(g->display);
	free(g);
}
*/
import "C"
import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"deskpilot/internal/types"
)

// xshmCapturer grabs the root window through MIT-SHM with the cursor
// composited in.
type xshmCapturer struct {
	display string

	mu     sync.Mutex
	g      *C.shm_grabber
	region types.Region
}

func newXShm(display string) (types.Capturer, error) {
	return &xshmCapturer{display: display}, nil
}

func (c *xshmCapturer) Start(cfg types.CaptureConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.g != nil {
		return fmt.Errorf("xshm capturer already started")
	}

	cDisplay := C.CString(c.display)
	defer C.free(unsafe.Pointer(cDisplay))

	g := C.shm_open_display(cDisplay)
	if g == nil {
		return fmt.Errorf("xshm: cannot open display %s", c.display)
	}
	region, err := resolveRegion(cfg, int(g.width), int(g.height))
	if err != nil {
		C.shm_close(g)
		return err
	}
	c.g = g
	c.region = region
	return nil
}

func (c *xshmCapturer) ReadFrame() (*types.RawFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.g == nil {
		return nil, errNotStarted
	}
	if C.shm_grab(c.g) != 0 {
		return nil, fmt.Errorf("XShmGetImage failed")
	}
	C.shm_draw_cursor(c.g)

	r := c.region
	data := make([]byte, r.Width*r.Height*4)
	C.shm_copy_rect(c.g, (*C.uchar)(unsafe.Pointer(&data[0])),
		C.int(r.X), C.int(r.Y), C.int(r.Width), C.int(r.Height))

	return &types.RawFrame{
		Data:      data,
		Width:     r.Width,
		Height:    r.Height,
		Stride:    r.Width * 4,
		PixFmt:    types.PixFmtBGRA,
		Timestamp: time.Now(),
	}, nil
}

func (c *xshmCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.g != nil {
		C.shm_close(c.g)
		c.g = nil
	}
	return nil
}
