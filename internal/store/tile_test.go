package store_test

import (
	"context"
	"fmt"

	"github.com/aussrc/possum-coordinator/internal/config"
	st "github.com/aussrc/possum-coordinator/internal/store"
	"github.com/aussrc/possum-coordinator/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const (
	insertTileStm = "INSERT INTO tiles (tile) VALUES (%d);"

	insertTileFullStm = `INSERT INTO tiles (tile, band1_cube_state, band1_cube_sent)
		VALUES (%d, %s, %t);`

	insertAssociationStm = "INSERT INTO associated_tiles (name, tile) VALUES ('%s', %d);"
)

// seedObservation inserts an observation with the given cube state.
func seedObservation(db *gorm.DB, name string, band int, sbid int64, cubeState string) {
	tx := db.Exec(fmt.Sprintf(insertObservationFullStm, name, band, sbid, "GOOD", quoted(cubeState), false, "NULL", false))
	Expect(tx.Error).To(BeNil())
}

var _ = Describe("tile store", Ordered, func() {
	var (
		s      st.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = st.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration()).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM observations;")
		gormdb.Exec("DELETE FROM associated_tiles;")
		gormdb.Exec("DELETE FROM tiles;")
	})

	Context("find completed", func() {
		It("returns a tile once every associated observation completed", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			seedObservation(gormdb, "EMU_0002", 1, 1002, "COMPLETED")
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0002", 42))
			Expect(tx.Error).To(BeNil())

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(1))
			Expect(tiles[0].TileID).To(Equal(int64(42)))
			Expect(tiles[0].Band).To(Equal(1))
			Expect(tiles[0].ObservationNames).To(ConsistOf("EMU_0001", "EMU_0002"))
		})

		It("excludes a tile while any contribution is incomplete", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			seedObservation(gormdb, "EMU_0002", 1, 1002, "RUNNING")
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0002", 42))
			Expect(tx.Error).To(BeNil())

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(0))
		})

		It("never returns a tile without observations", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(0))
		})

		It("excludes a tile already sent", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			tx := gormdb.Exec(fmt.Sprintf(insertTileFullStm, 42, "NULL", true))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(0))
		})

		It("excludes a tile whose aggregate state already advanced", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			tx := gormdb.Exec(fmt.Sprintf(insertTileFullStm, 42, quoted("RUNNING"), false))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(0))
		})

		It("includes a tile whose aggregate state is failed", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			tx := gormdb.Exec(fmt.Sprintf(insertTileFullStm, 42, quoted("FAILED"), false))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(1))
		})

		It("filters contributions by band", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			seedObservation(gormdb, "EMU_0002", 2, 1002, "RUNNING")
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0002", 42))
			Expect(tx.Error).To(BeNil())

			// the band 2 contribution does not block band 1
			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(1))
			Expect(tiles[0].ObservationNames).To(ConsistOf("EMU_0001"))
		})

		It("orders tiles ascending", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED")
			for _, tileID := range []int64{7, 3, 5} {
				tx := gormdb.Exec(fmt.Sprintf(insertTileStm, tileID))
				Expect(tx.Error).To(BeNil())
				tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", tileID))
				Expect(tx.Error).To(BeNil())
			}

			tiles, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 1)
			Expect(err).To(BeNil())
			Expect(tiles).To(HaveLen(3))
			Expect(tiles[0].TileID).To(Equal(int64(3)))
			Expect(tiles[1].TileID).To(Equal(int64(5)))
			Expect(tiles[2].TileID).To(Equal(int64(7)))
		})

		It("rejects an invalid band", func() {
			_, err := s.Tile().FindCompleted(context.TODO(), model.ProductCube, 3)
			Expect(err).To(MatchError(st.ErrInvalidBand))
		})
	})

	Context("count in flight", func() {
		It("counts a tile in flight on any band or product", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertTileFullStm, 1, quoted("RUNNING"), true))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertTileFullStm, 2, quoted("COMPLETED"), true))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec("INSERT INTO tiles (tile, band2_mfs_state) VALUES (3, 'QUEUED');")
			Expect(tx.Error).To(BeNil())

			count, err := s.Tile().CountInFlight(context.TODO())
			Expect(err).To(BeNil())
			Expect(count).To(Equal(int64(2)))
		})
	})

	Context("mark sent", func() {
		It("sets the sent flag and state for one band and product only", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())

			Expect(s.Tile().MarkSent(context.TODO(), model.ProductMfs, 2, 42)).To(Succeed())

			tile, err := s.Tile().Get(context.TODO(), 42)
			Expect(err).To(BeNil())
			Expect(tile.Band2MfsSent).To(BeTrue())
			Expect(*tile.Band2MfsState).To(Equal(model.StateSubmitted))
			Expect(tile.Band1MfsSent).To(BeFalse())
			Expect(tile.Band1CubeState).To(BeNil())
		})

		It("returns not found for an unknown tile", func() {
			err := s.Tile().MarkSent(context.TODO(), model.ProductCube, 1, 999)
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("update product state", func() {
		It("updates the aggregate state for one band and product", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())

			Expect(s.Tile().UpdateProductState(context.TODO(), model.ProductCube, 1, 42, model.StateRunning)).To(Succeed())

			tile, err := s.Tile().Get(context.TODO(), 42)
			Expect(err).To(BeNil())
			Expect(*tile.Band1CubeState).To(Equal(model.StateRunning))
			Expect(tile.Band2CubeState).To(BeNil())
		})
	})
})
